// Package kms provides safe, high-level access to the DRM
// (Direct Rendering Manager) and KMS (Kernel Mode Setting) interfaces.
// KMS is the low level interface used to enumerate displays, allocate
// scanout buffers and present pixel content on the graphics card, and
// this package enables the creation of graphics libraries on top of the
// kernel drm/kms subsystem without driver-dependent code.
package kms
