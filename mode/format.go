package mode

// Pixel formats, fourcc encoded the way the kernel headers define them.
// Like the command table this is pure data consumed by add-framebuffer
// and plane requests.

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	// color index
	FormatC8 = fourcc('C', '8', ' ', ' ')

	// 8 bpp RGB
	FormatRGB332 = fourcc('R', 'G', 'B', '8')
	FormatBGR233 = fourcc('B', 'G', 'R', '8')

	// 16 bpp RGB
	FormatXRGB4444 = fourcc('X', 'R', '1', '2')
	FormatXBGR4444 = fourcc('X', 'B', '1', '2')
	FormatARGB4444 = fourcc('A', 'R', '1', '2')
	FormatABGR4444 = fourcc('A', 'B', '1', '2')
	FormatXRGB1555 = fourcc('X', 'R', '1', '5')
	FormatARGB1555 = fourcc('A', 'R', '1', '5')
	FormatRGB565   = fourcc('R', 'G', '1', '6')
	FormatBGR565   = fourcc('B', 'G', '1', '6')

	// 24 bpp RGB
	FormatRGB888 = fourcc('R', 'G', '2', '4')
	FormatBGR888 = fourcc('B', 'G', '2', '4')

	// 32 bpp RGB
	FormatXRGB8888 = fourcc('X', 'R', '2', '4')
	FormatXBGR8888 = fourcc('X', 'B', '2', '4')
	FormatRGBX8888 = fourcc('R', 'X', '2', '4')
	FormatBGRX8888 = fourcc('B', 'X', '2', '4')
	FormatARGB8888 = fourcc('A', 'R', '2', '4')
	FormatABGR8888 = fourcc('A', 'B', '2', '4')
	FormatRGBA8888 = fourcc('R', 'A', '2', '4')
	FormatBGRA8888 = fourcc('B', 'A', '2', '4')

	// packed YCbCr
	FormatYUYV = fourcc('Y', 'U', 'Y', 'V')
	FormatYVYU = fourcc('Y', 'V', 'Y', 'U')
	FormatUYVY = fourcc('U', 'Y', 'V', 'Y')
	FormatVYUY = fourcc('V', 'Y', 'U', 'Y')
	FormatAYUV = fourcc('A', 'Y', 'U', 'V')

	// 2 plane YCbCr: index 0 = Y plane, index 1 = chroma plane
	FormatNV12 = fourcc('N', 'V', '1', '2')
	FormatNV21 = fourcc('N', 'V', '2', '1')
	FormatNV16 = fourcc('N', 'V', '1', '6')
	FormatNV61 = fourcc('N', 'V', '6', '1')

	// 3 plane YCbCr
	FormatYUV420 = fourcc('Y', 'U', '1', '2')
	FormatYVU420 = fourcc('Y', 'V', '1', '2')
	FormatYUV422 = fourcc('Y', 'U', '1', '6')
	FormatYUV444 = fourcc('Y', 'U', '2', '4')
)

// FormatBPP returns the bits per pixel of the single-plane RGB formats
// this binding can validate dumb-buffer geometry against, or 0 for
// formats whose layout is planar or unknown here.
func FormatBPP(format uint32) uint32 {
	switch format {
	case FormatC8, FormatRGB332, FormatBGR233:
		return 8
	case FormatXRGB4444, FormatXBGR4444, FormatARGB4444, FormatABGR4444,
		FormatXRGB1555, FormatARGB1555, FormatRGB565, FormatBGR565,
		FormatYUYV, FormatYVYU, FormatUYVY, FormatVYUY:
		return 16
	case FormatRGB888, FormatBGR888:
		return 24
	case FormatXRGB8888, FormatXBGR8888, FormatRGBX8888, FormatBGRX8888,
		FormatARGB8888, FormatABGR8888, FormatRGBA8888, FormatBGRA8888,
		FormatAYUV:
		return 32
	}
	return 0
}
