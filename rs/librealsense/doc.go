// Package librealsense binds the librealsense2 C API to the rs interfaces. It needs cgo and the
// SDK installed under /usr/local, and is only compiled with the realsense build tag.
package librealsense
