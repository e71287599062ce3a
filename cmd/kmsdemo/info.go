package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List the mode-setting resources of a card",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := kms.OpenCard(cardNum)
		if err != nil {
			return err
		}
		defer dev.Close()

		version, err := dev.Version()
		if err != nil {
			return err
		}
		log.Info("driver", "name", version.Name,
			"version", fmt.Sprintf("%d.%d.%d",
				version.Major, version.Minor, version.Patch),
			"desc", version.Desc)
		log.Info("capabilities", "dumb buffers", dev.HasDumbBuffer())

		cat, err := mode.NewCatalog(dev)
		if err != nil {
			return err
		}
		res := cat.Resources()
		log.Info("screen limits",
			"min", fmt.Sprintf("%dx%d", res.MinWidth, res.MinHeight),
			"max", fmt.Sprintf("%dx%d", res.MaxWidth, res.MaxHeight))

		conns := cat.Connectors()
		for conns.Next() {
			if err := conns.Err(); err != nil {
				if errors.Is(err, kms.ErrObjectVanished) {
					log.Warn("connector unplugged mid-enumeration")
					continue
				}
				return err
			}
			conn := conns.Connector()
			state := "disconnected"
			if conn.Connection == mode.Connected {
				state = "connected"
			}
			log.Info("connector", "id", conn.ID, "state", state,
				"modes", len(conn.Modes), "encoders", conn.Encoders)
			for i := range conn.Modes {
				fmt.Printf("\tmode %s\n", &conn.Modes[i])
			}
		}

		encs := cat.Encoders()
		for encs.Next() {
			if encs.Err() != nil {
				continue
			}
			enc := encs.Encoder()
			log.Info("encoder", "id", enc.ID, "crtc", enc.CrtcID,
				"possible crtcs", fmt.Sprintf("%#b", enc.PossibleCrtcs))
		}

		crtcs := cat.Crtcs()
		for crtcs.Next() {
			if crtcs.Err() != nil {
				continue
			}
			crtc := crtcs.Crtc()
			log.Info("crtc", "id", crtc.ID, "fb", crtc.BufferID,
				"mode", &crtc.Mode, "active", crtc.ModeValid != 0)
		}

		if err := dev.SetClientCap(kms.ClientCapUniversalPlanes, 1); err == nil {
			planes, err := mode.GetPlaneResources(dev)
			if err != nil {
				return err
			}
			for _, id := range planes {
				pl, err := mode.GetPlane(dev, id)
				if err != nil {
					continue
				}
				log.Info("plane", "id", pl.ID, "crtc", pl.CrtcID,
					"formats", len(pl.Formats))
			}
		}
		return nil
	},
}
