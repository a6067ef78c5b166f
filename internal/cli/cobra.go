package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"text/tabwriter"
	"time"

	"allsky/internal/astro"
	"allsky/internal/capture"
	"allsky/internal/config"
	"allsky/internal/storage"
	"allsky/internal/tasks"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X allsky/internal/cli.Version=...".
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log))
}

func newRootCmd(root *Root) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "allsky",
		Short: "All-sky camera capture and processing",
		Long: `allsky drives an all-sky camera through the night: it schedules exposures,
processes every frame into the image archive and builds keograms and timelapse
videos when each session ends.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return nil
			}
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			root.cfg = cfg
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $ALLSKY_CONFIG or ~/.config/allsky/config.yml)")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newKeogramCmd(root))
	rootCmd.AddCommand(newTimelapseCmd(root))
	rootCmd.AddCommand(newExpireCmd(root))
	rootCmd.AddCommand(newTasksCmd(root))
	rootCmd.AddCommand(newDarksCmd(root))
	rootCmd.AddCommand(newNotificationsCmd(root))
	rootCmd.AddCommand(newAstroCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture daemon",
		Long: `Connect to the camera and capture until interrupted. Frames are processed
in the background, session tasks are run from the queue and, when enabled, the
status server and MQTT publishing are started alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.daemonFn(cmd.Context(), root)
		},
	}
}

func newKeogramCmd(root *Root) *cobra.Command {
	var (
		cameraID int64
		day      string
		daytime  bool
		output   string
		angle    float64
	)

	cmd := &cobra.Command{
		Use:   "keogram [directory]",
		Short: "Build a keogram for a session",
		Long: `Build the keogram of a stored session (--day, --camera, --daytime) through the
task queue, or of every image-* frame below an arbitrary directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				dir := args[0]
				files, err := tasks.CollectSessionFiles(dir, "image", 0)
				if err != nil {
					return err
				}
				if output == "" {
					output = filepath.Join(dir, "allsky-keogram."+root.cfg.Image.Format)
				}
				if !cmd.Flags().Changed("angle") {
					angle = root.cfg.Keogram.Angle
				}
				res, err := root.keogramFn(cmd.Context(), tasks.KeogramRequest{
					Files:   files,
					Output:  output,
					Angle:   angle,
					HScale:  root.cfg.Keogram.HScale,
					VScale:  root.cfg.Keogram.VScale,
					Quality: root.cfg.Image.Quality,
					Log:     root.log,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Keogram %s: %d frames, %dx%d\n", res.Output, res.Frames, res.Width, res.Height)
				return nil
			}

			sess, err := sessionFlags(cameraID, day, daytime)
			if err != nil {
				return err
			}
			res, err := root.runManual(cmd.Context(), storage.QueueVideo, capture.ActionKeogram, sess.Data())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Keogram task %d done\n", res.Task.ID)
			printMeta(out, res.Meta)
			return nil
		},
	}

	cmd.Flags().Int64Var(&cameraID, "camera", 1, "camera id")
	cmd.Flags().StringVar(&day, "day", "", "session day date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&daytime, "daytime", false, "use the daytime session instead of the night")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (directory mode only)")
	cmd.Flags().Float64Var(&angle, "angle", 0, "keogram rotation in degrees (directory mode only)")

	return cmd
}

func newTimelapseCmd(root *Root) *cobra.Command {
	var (
		cameraID  int64
		day       string
		daytime   bool
		panorama  bool
		output    string
		framerate int
	)

	cmd := &cobra.Command{
		Use:   "timelapse [directory]",
		Short: "Encode a timelapse video for a session",
		Long: `Encode the timelapse of a stored session through the task queue, or of every
image-* frame below an arbitrary directory. The configured encoder (ffmpeg by
default) must be on PATH.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			tl := root.cfg.Timelapse
			if len(args) == 1 {
				dir := args[0]
				prefix := "image"
				if panorama {
					prefix = "panorama"
				}
				files, err := tasks.CollectSessionFiles(dir, prefix, tl.SkipFrames)
				if err != nil {
					return err
				}
				if output == "" {
					output = filepath.Join(dir, "allsky-timelapse."+tl.Format)
				}
				if !cmd.Flags().Changed("framerate") {
					framerate = tl.Framerate
				}
				res, err := root.timelapseFn(cmd.Context(), tasks.TimelapseRequest{
					Files:        files,
					Output:       output,
					Encoder:      tl.Encoder,
					Framerate:    framerate,
					Codec:        tl.Codec,
					Bitrate:      tl.Bitrate,
					VFScale:      tl.VFScale,
					ExtraOptions: tl.ExtraOptions,
					ScratchDir:   root.cfg.Processing.TempDir,
					Log:          root.log,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Timelapse %s: %d frames, %d bytes\n", res.Output, res.Frames, res.Size)
				return nil
			}

			sess, err := sessionFlags(cameraID, day, daytime)
			if err != nil {
				return err
			}
			action := capture.ActionVideo
			if panorama {
				action = capture.ActionPanoramaVideo
			}
			res, err := root.runManual(cmd.Context(), storage.QueueVideo, action, sess.Data())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Timelapse task %d done\n", res.Task.ID)
			printMeta(out, res.Meta)
			return nil
		},
	}

	cmd.Flags().Int64Var(&cameraID, "camera", 1, "camera id")
	cmd.Flags().StringVar(&day, "day", "", "session day date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&daytime, "daytime", false, "use the daytime session instead of the night")
	cmd.Flags().BoolVar(&panorama, "panorama", false, "encode the panorama frames")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (directory mode only)")
	cmd.Flags().IntVar(&framerate, "framerate", 25, "frames per second (directory mode only)")

	return cmd
}

func newExpireCmd(root *Root) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Delete archived images older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = root.cfg.Image.ExpireDays
			}
			res, err := root.runManual(cmd.Context(), storage.QueueMain, capture.ActionExpire, map[string]any{"days": days})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Expire task %d done\n", res.Task.ID)
			printMeta(out, res.Meta)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default image.expire_days)")
	return cmd
}

func newTasksCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.store()
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.RecentTasks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUEUE\tACTION\tSTATE\tUPDATED\tERROR")
			for _, t := range recs {
				msg, _ := t.Result["error"].(string)
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Queue, t.Action, t.State,
					t.UpdatedAt.Local().Format(time.DateTime), msg)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of tasks to show")
	return cmd
}

func newDarksCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "darks",
		Short: "Manage master dark frames and bad-pixel maps",
	}

	var (
		listCamera int64
		listKind   string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List calibration frames for a camera",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.store()
			if err != nil {
				return err
			}
			defer store.Close()
			frames, err := store.Calibrations(cmd.Context(), listCamera, storage.CalibrationKind(listKind))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBITS\tBIN\tGAIN\tEXPOSURE\tTEMP\tACTIVE\tFILE")
			for _, f := range frames {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%.2f\t%.1f\t%t\t%s\n", f.ID, f.BitDepth, f.BinMode, f.Gain, f.Exposure, f.Temp, f.Active, f.Filename)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().Int64Var(&listCamera, "camera", 1, "camera id")
	listCmd.Flags().StringVar(&listKind, "kind", string(storage.KindDark), "dark or bpm")

	var frame storage.CalibrationFrame
	var addKind string
	var inactive bool
	addCmd := &cobra.Command{
		Use:   "add <fits_file>",
		Short: "Register a master frame",
		Long: `Register an existing master dark or bad-pixel map. The frame is matched against
exposures by bit depth and binning exactly, by gain and exposure at or above the
exposure's values, and by sensor temperature.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("calibration frame: %w", err)
			}
			frame.Filename = path
			frame.Kind = storage.CalibrationKind(addKind)
			frame.Active = !inactive
			frame.CreatedAt = root.now()

			store, err := root.store()
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.AddCalibration(cmd.Context(), frame)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s %d: %s\n", frame.Kind, id, path)
			return nil
		},
	}
	addCmd.Flags().Int64Var(&frame.CameraID, "camera", 1, "camera id")
	addCmd.Flags().StringVar(&addKind, "kind", string(storage.KindDark), "dark or bpm")
	addCmd.Flags().IntVar(&frame.BitDepth, "bits", 16, "bit depth of the frame")
	addCmd.Flags().IntVar(&frame.BinMode, "bin", 1, "binning")
	addCmd.Flags().IntVar(&frame.Gain, "gain", 0, "gain the frame was taken at")
	addCmd.Flags().Float64Var(&frame.Exposure, "exposure", 0, "exposure in seconds")
	addCmd.Flags().Float64Var(&frame.Temp, "temp", 0, "sensor temperature in Celsius")
	addCmd.Flags().BoolVar(&inactive, "inactive", false, "register without using it")

	cmd.AddCommand(listCmd, addCmd)
	return cmd
}

func newNotificationsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notify"},
		Short:   "Show or acknowledge active notifications",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.store()
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.ActiveNotifications(cmd.Context(), 50)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No active notifications")
				return nil
			}
			for _, n := range recs {
				fmt.Fprintf(out, "%d [%s] %s: %s\n", n.ID, n.Category, n.CreatedAt.Local().Format(time.DateTime), n.Message)
			}
			return nil
		},
	}

	ackCmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			store, err := root.store()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.AckNotification(cmd.Context(), id)
		},
	}
	cmd.AddCommand(ackCmd)
	return cmd
}

func newAstroCmd(root *Root) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "astro",
		Short: "Show sun and moon state for the configured location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := root.now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --time: %w", err)
				}
				t = parsed
			}
			loc := root.cfg.Location
			night := root.cfg.Night
			clock := astro.Clock{
				Observer:      astro.Observer{Lat: loc.Latitude, Lon: loc.Longitude, Elev: loc.Elevation},
				NightSunAlt:   night.SunAltDeg,
				MoonModeAlt:   night.MoonModeAltDeg,
				MoonModePhase: night.MoonModePhase,
			}
			st := clock.At(t)
			next := clock.NextTransition(t)
			rise, set := clock.NextRiseSet(t, time.Local)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Location:   %s (%.4f, %.4f)\n", loc.Name, loc.Latitude, loc.Longitude)
			fmt.Fprintf(out, "Time:       %s\n", t.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "Sun:        alt %.2f az %.2f\n", st.Sun.Altitude, st.Sun.Azimuth)
			fmt.Fprintf(out, "Moon:       alt %.2f az %.2f phase %.1f%%\n", st.Moon.Altitude, st.Moon.Azimuth, st.MoonPhase)
			fmt.Fprintf(out, "Night:      %t\n", st.Night)
			fmt.Fprintf(out, "Moon mode:  %t\n", st.MoonMode)
			fmt.Fprintf(out, "Day date:   %s\n", clock.DayDate(t).Format("2006-01-02"))
			fmt.Fprintf(out, "Next:       %s at %s (%.1fh)\n", next.Kind, next.Time.Local().Format(time.DateTime), astro.HoursUntil(t, next.Time))
			fmt.Fprintf(out, "Sunrise:    %s\n", rise)
			fmt.Fprintf(out, "Sunset:     %s\n", set)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "time", "", "evaluate at this RFC3339 time instead of now")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the external tools used by session tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range requiredTools(root.cfg) {
				st := root.checkTool(cmd.Context(), name)
				if st.Available {
					fmt.Fprintf(out, "%s: available (%s) %s\n", name, st.Path, st.Version)
				} else {
					fmt.Fprintf(out, "%s: unavailable: %v\n", name, st.Error)
				}
			}
			return nil
		},
	}
}

func requiredTools(cfg *config.Config) []string {
	encoder := cfg.Timelapse.Encoder
	if encoder == "" {
		encoder = "ffmpeg"
	}
	return []string{encoder}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("allsky %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
