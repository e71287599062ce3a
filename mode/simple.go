// Convenience pipeline setup in the spirit of the classic modeset.c
// howto: walk the connected connectors, pick the preferred mode of
// each and find a free CRTC that one of its encoders can drive.
package mode

import (
	"fmt"

	"github.com/NeowayLabs/kms"
)

type (
	// Modeset is one display pipeline chosen by SimpleModeset: a
	// connected connector with its preferred mode and a compatible,
	// otherwise unused CRTC.
	Modeset struct {
		Width, Height uint16

		Mode Info
		Conn uint32
		Crtc uint32
	}

	// SimpleModeset holds one Modeset per connected display. It keeps
	// the Catalog snapshot the pipelines were resolved against, so
	// commits validate against the same snapshot.
	SimpleModeset struct {
		Modesets []Modeset

		card Card
		cat  *Catalog
	}
)

// NewSimpleModeset enumerates card and resolves a pipeline for every
// connected connector. Connectors that vanished mid-enumeration are
// skipped.
func NewSimpleModeset(card Card) (*SimpleModeset, error) {
	cat, err := NewCatalog(card)
	if err != nil {
		return nil, err
	}
	mset := &SimpleModeset{
		card: card,
		cat:  cat,
	}
	if err := mset.prepare(); err != nil {
		return nil, err
	}
	return mset, nil
}

// Catalog exposes the snapshot the pipelines were resolved against.
func (mset *SimpleModeset) Catalog() *Catalog {
	return mset.cat
}

func (mset *SimpleModeset) prepare() error {
	it := mset.cat.Connectors()
	for it.Next() {
		conn, err := it.Connector(), it.Err()
		if err != nil {
			// hot-unplugged between snapshot and fetch
			continue
		}

		dev := Modeset{Conn: conn.ID}
		ok, err := mset.setupDev(conn, &dev)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		mset.Modesets = append(mset.Modesets, dev)
	}
	return nil
}

func (mset *SimpleModeset) setupDev(conn *Connector, dev *Modeset) (bool, error) {
	// check if a monitor is connected
	if conn.Connection != Connected {
		return false, nil
	}

	// check if there is at least one valid mode
	if len(conn.Modes) == 0 {
		return false, fmt.Errorf("no valid mode for connector %d", conn.ID)
	}
	dev.Mode = conn.Modes[0]
	dev.Width = conn.Modes[0].Hdisplay
	dev.Height = conn.Modes[0].Vdisplay

	err := mset.findCrtc(conn, dev)
	if err != nil {
		return false, fmt.Errorf("no valid crtc for connector %d: %w", conn.ID, err)
	}

	return true, nil
}

func (mset *SimpleModeset) crtcTaken(crtcid uint32) bool {
	for i := range mset.Modesets {
		if mset.Modesets[i].Crtc == crtcid {
			return true
		}
	}
	return false
}

func (mset *SimpleModeset) findCrtc(conn *Connector, dev *Modeset) error {
	// prefer whatever the connector is currently wired to
	if conn.EncoderID != 0 {
		encoder, err := GetEncoder(mset.card, conn.EncoderID)
		if err == nil && encoder.CrtcID != 0 && !mset.crtcTaken(encoder.CrtcID) {
			dev.Crtc = encoder.CrtcID
			return nil
		}
	}

	// If the connector is not currently bound to an encoder or if the
	// encoder+crtc is already used by another connector (actually unlikely
	// but lets be safe), iterate all other available encoders to find a
	// matching CRTC.
	for _, encid := range conn.Encoders {
		encoder, err := GetEncoder(mset.card, encid)
		if err != nil {
			continue // vanished, try the next one
		}
		for _, crtcid := range mset.cat.Resources().Crtcs {
			// check whether this CRTC works with the encoder
			if !mset.cat.EncoderCanDrive(encoder, crtcid) {
				continue
			}
			// check that no other pipeline already uses this CRTC
			if mset.crtcTaken(crtcid) {
				continue
			}
			dev.Crtc = crtcid
			return nil
		}
	}

	return fmt.Errorf("cannot find a suitable CRTC for connector %d: %w",
		conn.ID, kms.ErrNotFound)
}

// Apply drives the pipeline's controller to its mode over fb.
func (mset *SimpleModeset) Apply(dev *Modeset, fb uint32) error {
	req := &CommitRequest{
		Crtc:        dev.Crtc,
		Framebuffer: fb,
		Mode:        &dev.Mode,
	}
	conn, err := GetConnector(mset.card, dev.Conn)
	if err != nil {
		return err
	}
	req.Connector = conn
	return LegacyCommit{}.Commit(mset.cat, req)
}

// SaveCrtc snapshots the controller state of a pipeline for a later
// Restore.
func (mset *SimpleModeset) SaveCrtc(dev *Modeset) (*Crtc, error) {
	return GetCrtc(mset.card, dev.Crtc)
}

// Restore puts a controller back into a previously saved state, the
// usual courtesy on exit from a modesetting program.
func (mset *SimpleModeset) Restore(dev *Modeset, saved *Crtc) error {
	err := SetCrtc(mset.card, saved.ID, saved.BufferID,
		saved.X, saved.Y, []uint32{dev.Conn}, &saved.Mode)
	if err != nil {
		return fmt.Errorf("failed to restore CRTC: %w", err)
	}
	return nil
}
