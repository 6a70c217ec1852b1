package main

import (
	"fmt"
	"io"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/lokutor-ai/lokutor-live/pkg/audio"
)

// devices owns the miniaudio context and the microphone and speaker built on
// it. The engine closes the devices; Close here only releases the context.
type devices struct {
	mctx   *malgo.AllocatedContext
	source *audio.MalgoSource
	sink   audio.Sink
}

func openDevices(in, out audio.Format, maxBuffered time.Duration) (*devices, error) {
	mctx, err := audio.NewContext()
	if err != nil {
		return nil, err
	}
	sink, err := audio.NewMalgoSink(mctx.Context, out, maxBuffered)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, err
	}
	return &devices{
		mctx:   mctx,
		source: audio.NewMalgoSource(mctx.Context, in),
		sink:   sink,
	}, nil
}

func (d *devices) Close() error {
	if d == nil || d.mctx == nil {
		return nil
	}
	err := d.mctx.Uninit()
	d.mctx.Free()
	d.mctx = nil
	return err
}

func listDevices(w io.Writer) error {
	mctx, err := audio.NewContext()
	if err != nil {
		return err
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	for _, kind := range []struct {
		label string
		typ   malgo.DeviceType
	}{
		{"capture", malgo.Capture},
		{"playback", malgo.Playback},
	} {
		infos, err := mctx.Devices(kind.typ)
		if err != nil {
			return fmt.Errorf("list %s devices: %w", kind.label, err)
		}
		fmt.Fprintf(w, "%s devices:\n", kind.label)
		for i, info := range infos {
			marker := " "
			if info.IsDefault != 0 {
				marker = "*"
			}
			fmt.Fprintf(w, "  %s %d: %s\n", marker, i, info.Name())
		}
	}
	return nil
}
