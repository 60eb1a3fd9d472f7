package main

import (
	"fmt"
	"image/png"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tingold/regionview"
)

var (
	renderWidth    int
	renderHeight   int
	renderGestures string
	renderOut      string
	renderDebug    bool
	renderTimeout  time.Duration
)

var renderCmd = &cobra.Command{
	Use:   "render <location>",
	Short: "Replay a gesture script against an image and write the final viewport as PNG",
	Long: `Gestures are separated by ';':

  drag:DX,DY          finger movement in viewport pixels
  pinch:X,Y,FACTOR    two-finger zoom around X,Y
  fling:VX,VY         release velocity in pixels per second
  tap2:X,Y            double tap
  wait:MS             let time pass (fling debounce)

Example: --gestures 'tap2:540,960;drag:0,-400;fling:0,-6000'`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	renderCmd.Flags().IntVar(&renderWidth, "width", 1080, "viewport width")
	renderCmd.Flags().IntVar(&renderHeight, "height", 1920, "viewport height")
	renderCmd.Flags().StringVarP(&renderGestures, "gestures", "g", "", "gesture script")
	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "viewport.png", "output PNG")
	renderCmd.Flags().BoolVar(&renderDebug, "debug", false, "outline the decoded region and the viewport")
	renderCmd.Flags().DurationVar(&renderTimeout, "timeout", 30*time.Second, "how long to wait for the final decode")
	rootCmd.AddCommand(renderCmd)
}

func runRender(_ *cobra.Command, args []string) error {
	gestures, err := parseGestures(renderGestures)
	if err != nil {
		return err
	}

	src, err := regionview.OpenSource(args[0], nil, cfg)
	if err != nil {
		return err
	}

	s := newSession(cfg)
	defer s.close()
	if err := s.ctrl.SetImage(src); err != nil {
		src.Close()
		return err
	}
	if err := s.ctrl.Layout(renderWidth, renderHeight); err != nil {
		return err
	}
	s.ctrl.SetDebug(renderDebug || cfg.DebugOverlay)

	for _, g := range gestures {
		logger.Debug("gesture", "kind", g.kind, "args", g.args)
		s.apply(g)
	}

	frame, err := s.render(renderTimeout)
	if err != nil {
		return err
	}
	st, _ := s.ctrl.State()
	logger.Info("rendered",
		"region", st.Rect,
		"scale", st.Scale,
		"sample_size", frame.SampleSize,
		"invalidations", s.invalidations,
	)

	out := regionview.Compose(frame, renderWidth, renderHeight, s.ctrl.Debug())
	f, err := os.Create(renderOut)
	if err != nil {
		return fmt.Errorf("create %s: %w", renderOut, err)
	}
	defer f.Close()
	if err := png.Encode(f, out); err != nil {
		return fmt.Errorf("encode %s: %w", renderOut, err)
	}
	fmt.Println(renderOut)
	return nil
}
