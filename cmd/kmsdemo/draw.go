package main

import (
	"fmt"
	"image"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fogleman/gg"
	"github.com/spf13/cobra"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
)

var (
	holdFor time.Duration
	flips   int
	atomic  bool
)

var drawCmd = &cobra.Command{
	Use:   "draw",
	Short: "Take over the connected displays and draw a test pattern",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := kms.OpenCard(cardNum)
		if err != nil {
			return err
		}
		defer dev.Close()

		if !dev.HasDumbBuffer() {
			return fmt.Errorf("card%d does not support dumb buffers", cardNum)
		}

		lock, err := dev.MasterLock()
		if err != nil {
			return fmt.Errorf("acquire master lock: %w", err)
		}
		defer lock.Drop()

		if atomic {
			if err := dev.SetClientCap(kms.ClientCapUniversalPlanes, 1); err != nil {
				return err
			}
			if err := dev.SetClientCap(kms.ClientCapAtomic, 1); err != nil {
				return err
			}
		}

		mset, err := mode.NewSimpleModeset(dev)
		if err != nil {
			return err
		}
		if len(mset.Modesets) == 0 {
			return fmt.Errorf("no connected displays on card%d", cardNum)
		}

		for i := range mset.Modesets {
			if err := drawOne(dev, mset, &mset.Modesets[i]); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	drawCmd.Flags().DurationVar(&holdFor, "hold", 3*time.Second,
		"how long to keep the pattern on screen")
	drawCmd.Flags().IntVar(&flips, "flips", 0,
		"page flips to run between two buffers before restoring")
	drawCmd.Flags().BoolVar(&atomic, "atomic", false,
		"commit through the atomic interface")
}

func drawOne(dev *kms.Device, mset *mode.SimpleModeset, ms *mode.Modeset) error {
	log.Info("taking over display", "connector", ms.Conn, "crtc", ms.Crtc,
		"mode", &ms.Mode)

	saved, err := mset.SaveCrtc(ms)
	if err != nil {
		return err
	}

	fb, cleanup, err := renderPattern(dev, ms, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	if atomic {
		cat := mset.Catalog()
		conn, err := mode.GetConnector(dev, ms.Conn)
		if err != nil {
			return err
		}
		req := &mode.CommitRequest{
			Crtc:        ms.Crtc,
			Framebuffer: fb.ID(),
			Connector:   conn,
			Mode:        &ms.Mode,
		}
		// dry-run first, then the real commit
		if err := (mode.AtomicCommit{TestOnly: true}).Commit(cat, req); err != nil {
			return err
		}
		if err := (mode.AtomicCommit{}).Commit(cat, req); err != nil {
			return err
		}
	} else {
		if err := mset.Apply(ms, fb.ID()); err != nil {
			return err
		}
	}

	if flips > 0 {
		if err := flipLoop(dev, ms, fb); err != nil {
			log.Warn("flip loop aborted", "err", err)
		}
	} else {
		time.Sleep(holdFor)
	}

	if err := mset.Restore(ms, saved); err != nil {
		log.Warn("could not restore previous display state", "err", err)
	}
	return nil
}

// flipLoop bounces between the committed framebuffer and a second one
// with an inverted pattern, waiting for each flip to complete before
// queueing the next.
func flipLoop(dev *kms.Device, ms *mode.Modeset, first *mode.Framebuffer) error {
	second, cleanup, err := renderPattern(dev, ms, 1)
	if err != nil {
		return err
	}
	defer cleanup()

	buffers := []*mode.Framebuffer{second, first}
	for i := 0; i < flips; i++ {
		fb := buffers[i%2]
		err := mode.PageFlip(dev, ms.Crtc, fb.ID(), mode.PageFlipEvent, uint64(i))
		if err != nil {
			return err
		}
		if _, err := mode.WaitFlip(dev, time.Second); err != nil {
			return err
		}
	}
	log.Info("flip loop done", "flips", flips)
	return nil
}

// renderPattern allocates a dumb buffer matching the display mode,
// renders the test pattern into it and wraps it in a framebuffer. The
// returned cleanup tears everything down in reverse order.
func renderPattern(dev *kms.Device, ms *mode.Modeset, variant int) (*mode.Framebuffer, func(), error) {
	w, h := int(ms.Width), int(ms.Height)

	buf, err := mode.CreateDumb(dev, uint32(w), uint32(h), 32)
	if err != nil {
		return nil, nil, err
	}
	m, err := buf.Map()
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}

	blit(m.Bytes(), buf.Pitch(), pattern(w, h, variant))

	fb, err := mode.CreateFramebuffer(dev, buf, mode.FormatXRGB8888)
	if err != nil {
		m.Unmap()
		buf.Destroy()
		return nil, nil, err
	}

	cleanup := func() {
		if err := fb.Remove(); err != nil {
			log.Warn("remove framebuffer", "err", err)
		}
		if err := m.Unmap(); err != nil {
			log.Warn("unmap buffer", "err", err)
		}
		if err := buf.Destroy(); err != nil {
			log.Warn("destroy buffer", "err", err)
		}
	}
	return fb, cleanup, nil
}

// pattern renders the test card: a diagonal gradient with concentric
// rings, inverted for the second flip buffer.
func pattern(w, h, variant int) *image.RGBA {
	g := gg.NewContext(w, h)

	for y := 0; y < h; y++ {
		t := float64(y) / float64(h)
		if variant%2 == 1 {
			t = 1 - t
		}
		g.SetRGB(t, 0.2, 1-t)
		g.DrawLine(0, float64(y), float64(w), float64(y))
		g.Stroke()
	}

	cx, cy := float64(w)/2, float64(h)/2
	g.SetRGB(1, 1, 1)
	for r := 40.0; r < cy; r += 80 {
		g.DrawCircle(cx, cy, r)
		g.Stroke()
	}

	return g.Image().(*image.RGBA)
}

// blit copies the rendered image into the mapped buffer row by row,
// honoring the device pitch and converting to little-endian XRGB.
func blit(dst []byte, pitch uint32, img *image.RGBA) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := dst[uint32(y)*pitch:]
		src := img.Pix[(y-bounds.Min.Y)*img.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			row[x*4+0] = src[x*4+2] // B
			row[x*4+1] = src[x*4+1] // G
			row[x*4+2] = src[x*4+0] // R
			row[x*4+3] = 0
		}
	}
}
