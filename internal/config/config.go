package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

const (
	defaultConfigPath = "~/.config/allsky/config.yml"
	envPrefix         = "ALLSKY_"
	defaultParallel   = 2
)

// Config holds all daemon settings.
type Config struct {
	Location   Location   `koanf:"location" yaml:"location"`
	Camera     Camera     `koanf:"camera" yaml:"camera"`
	Capture    Capture    `koanf:"capture" yaml:"capture"`
	Night      Night      `koanf:"night" yaml:"night"`
	Image      Image      `koanf:"image" yaml:"image"`
	Keogram    Keogram    `koanf:"keogram" yaml:"keogram"`
	Timelapse  Timelapse  `koanf:"timelapse" yaml:"timelapse"`
	Processing Processing `koanf:"processing" yaml:"processing"`
	Paths      Paths      `koanf:"paths" yaml:"paths"`
	Logging    Logging    `koanf:"logging" yaml:"logging"`
	MQTT       MQTT       `koanf:"mqtt" yaml:"mqtt"`
	Server     Server     `koanf:"server" yaml:"server"`
	Sensors    Sensors    `koanf:"sensors" yaml:"sensors"`
	Climate    Climate    `koanf:"climate" yaml:"climate"`
}

// Location is the observer position used until a GPS or telescope report replaces it.
type Location struct {
	Name      string  `koanf:"name" yaml:"name"`
	Latitude  float64 `koanf:"latitude" yaml:"latitude"`
	Longitude float64 `koanf:"longitude" yaml:"longitude"`
	Elevation float64 `koanf:"elevation" yaml:"elevation"`
}

// Camera selects and parameterizes the camera driver.
type Camera struct {
	Driver       string  `koanf:"driver" yaml:"driver"` // simulator, passive, mqtt
	Name         string  `koanf:"name" yaml:"name"`
	Host         string  `koanf:"host" yaml:"host"`
	Port         int     `koanf:"port" yaml:"port"`
	IncomingDir  string  `koanf:"incoming_dir" yaml:"incoming_dir"`
	Decorator    string  `koanf:"decorator" yaml:"decorator"` // "", stacker, accumulator
	SubExposures int     `koanf:"sub_exposures" yaml:"sub_exposures"`
	BayerPattern string  `koanf:"bayer_pattern" yaml:"bayer_pattern"` // overrides CFA_TYPE when set
	MaxBitDepth  int     `koanf:"max_bit_depth" yaml:"max_bit_depth"` // 0 detects from data
	ExposureMin  float64 `koanf:"exposure_min" yaml:"exposure_min"`
	ExposureMax  float64 `koanf:"exposure_max" yaml:"exposure_max"`
	ExposureDay  float64 `koanf:"exposure_day_min" yaml:"exposure_day_min"`
	BlackLevel   bool    `koanf:"subtract_black_level" yaml:"subtract_black_level"`
	// IgnoreExposureTiming suppresses the short-exposure warning for drivers that do not
	// honor exposure requests.
	IgnoreExposureTiming bool            `koanf:"ignore_exposure_timing" yaml:"ignore_exposure_timing"`
	CoolingSetpoint      float64         `koanf:"cooling_setpoint" yaml:"cooling_setpoint"`
	Simulator            SimulatorCamera `koanf:"simulator" yaml:"simulator"`
}

// SimulatorCamera configures the synthetic sky camera.
type SimulatorCamera struct {
	Width        int     `koanf:"width" yaml:"width"`
	Height       int     `koanf:"height" yaml:"height"`
	Stars        int     `koanf:"stars" yaml:"stars"`
	BayerPattern string  `koanf:"bayer_pattern" yaml:"bayer_pattern"`
	BitDepth     int     `koanf:"bit_depth" yaml:"bit_depth"`
	Temperature  float64 `koanf:"temperature" yaml:"temperature"`
	Seed         int64   `koanf:"seed" yaml:"seed"`
}

// Capture controls exposure cadence and the image queue.
type Capture struct {
	ExposurePeriod    float64 `koanf:"exposure_period" yaml:"exposure_period"`
	ExposurePeriodDay float64 `koanf:"exposure_period_day" yaml:"exposure_period_day"`
	FocusMode         bool    `koanf:"focus_mode" yaml:"focus_mode"`
	FocusDelay        float64 `koanf:"focus_delay" yaml:"focus_delay"`
	DaytimeCapture    bool    `koanf:"daytime_capture" yaml:"daytime_capture"`
	DaytimeTimelapse  bool    `koanf:"daytime_timelapse" yaml:"daytime_timelapse"`
	QueueMin          int     `koanf:"queue_min" yaml:"queue_min"`
	QueueMax          int     `koanf:"queue_max" yaml:"queue_max"`
	QueueBackoff      float64 `koanf:"queue_backoff" yaml:"queue_backoff"`
	WatchdogTimeout   float64 `koanf:"watchdog_timeout" yaml:"watchdog_timeout"`
	PeriodicInterval  float64 `koanf:"periodic_interval" yaml:"periodic_interval"`
	ReadyTimeout      float64 `koanf:"ready_timeout" yaml:"ready_timeout"`
	StartupRetryDelay float64 `koanf:"startup_retry_delay" yaml:"startup_retry_delay"`
	AutoExposure      bool    `koanf:"auto_exposure" yaml:"auto_exposure"`
	TargetADU         float64 `koanf:"target_adu" yaml:"target_adu"`
	TargetADUDev      float64 `koanf:"target_adu_dev" yaml:"target_adu_dev"`
}

// ModeSettings is one of the day / night / moon-mode camera parameter sets.
type ModeSettings struct {
	Gain int `koanf:"gain" yaml:"gain"`
	Bin  int `koanf:"bin" yaml:"bin"`
}

// Night controls day/night detection and per-mode camera settings.
type Night struct {
	SunAltDeg      float64      `koanf:"sun_alt_deg" yaml:"sun_alt_deg"`
	MoonModeAltDeg float64      `koanf:"moonmode_alt_deg" yaml:"moonmode_alt_deg"`
	MoonModePhase  float64      `koanf:"moonmode_phase" yaml:"moonmode_phase"`
	Day            ModeSettings `koanf:"day" yaml:"day"`
	Night          ModeSettings `koanf:"night" yaml:"night"`
	MoonMode       ModeSettings `koanf:"moonmode" yaml:"moonmode"`
	Cooling        bool         `koanf:"cooling" yaml:"cooling"`
}

// Image collects every per-frame processing option.
type Image struct {
	Format    string `koanf:"format" yaml:"format"`
	Quality   int    `koanf:"quality" yaml:"quality"`
	Grayscale bool   `koanf:"grayscale" yaml:"grayscale"`

	StackCount         int     `koanf:"stack_count" yaml:"stack_count"`
	StackMethod        string  `koanf:"stack_method" yaml:"stack_method"` // average, maximum, minimum
	StackAlign         bool    `koanf:"stack_align" yaml:"stack_align"`
	StackSplit         bool    `koanf:"stack_split" yaml:"stack_split"`
	AlignDetectSigma   float64 `koanf:"align_detect_sigma" yaml:"align_detect_sigma"`
	AlignPoints        int     `koanf:"align_points" yaml:"align_points"`
	AlignMinArea       int     `koanf:"align_min_area" yaml:"align_min_area"`
	RegistrationMinExp float64 `koanf:"registration_min_exposure" yaml:"registration_min_exposure"`

	ColorMatrix    []float64 `koanf:"color_matrix" yaml:"color_matrix"`
	Rotate90       string    `koanf:"rotate_90" yaml:"rotate_90"` // cw, ccw, 180
	RotateAngle    float64   `koanf:"rotate_angle" yaml:"rotate_angle"`
	RotateKeepSize bool      `koanf:"rotate_keep_size" yaml:"rotate_keep_size"`
	FlipV          bool      `koanf:"flip_v" yaml:"flip_v"`
	FlipH          bool      `koanf:"flip_h" yaml:"flip_h"`

	DetectLines   bool    `koanf:"detect_lines" yaml:"detect_lines"`
	DetectStars   bool    `koanf:"detect_stars" yaml:"detect_stars"`
	StarThreshold float64 `koanf:"star_threshold" yaml:"star_threshold"`
	DetectMask    string  `koanf:"detect_mask" yaml:"detect_mask"`

	SCNR         SCNR         `koanf:"scnr" yaml:"scnr"`
	WhiteBalance WhiteBalance `koanf:"white_balance" yaml:"white_balance"`
	Saturation   float64      `koanf:"saturation" yaml:"saturation"`
	CLAHE        CLAHE        `koanf:"clahe" yaml:"clahe"`
	Gamma        float64      `koanf:"gamma" yaml:"gamma"`
	Stretch      Stretch      `koanf:"stretch" yaml:"stretch"`

	ScalePercent int    `koanf:"scale_percent" yaml:"scale_percent"`
	Crop         ROI    `koanf:"crop" yaml:"crop"`
	Border       Border `koanf:"border" yaml:"border"`

	CircleMask        CircleMask `koanf:"circle_mask" yaml:"circle_mask"`
	LogoPath          string     `koanf:"logo_path" yaml:"logo_path"`
	MoonOverlay       bool       `koanf:"moon_overlay" yaml:"moon_overlay"`
	LightgraphOverlay Lightgraph `koanf:"lightgraph" yaml:"lightgraph"`
	Orb               Orb        `koanf:"orb" yaml:"orb"`
	Cardinal          Cardinal   `koanf:"cardinal" yaml:"cardinal"`
	Label             Label      `koanf:"label" yaml:"label"`
	Panorama          Panorama   `koanf:"panorama" yaml:"panorama"`

	ADUROI       ROI     `koanf:"adu_roi" yaml:"adu_roi"`
	SQMZeroPoint float64 `koanf:"sqm_zero_point" yaml:"sqm_zero_point"`
	ExpireDays   int     `koanf:"expire_days" yaml:"expire_days"`
}

// ROI is a pixel rectangle; a zero value means "whole image".
type ROI struct {
	X1 int `koanf:"x1" yaml:"x1"`
	Y1 int `koanf:"y1" yaml:"y1"`
	X2 int `koanf:"x2" yaml:"x2"`
	Y2 int `koanf:"y2" yaml:"y2"`
}

// Empty reports whether the ROI is unset.
func (r ROI) Empty() bool {
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

type SCNR struct {
	Algorithm string  `koanf:"algorithm" yaml:"algorithm"` // "", average_neutral, additive_mask
	Amount    float64 `koanf:"amount" yaml:"amount"`
	Day       bool    `koanf:"day" yaml:"day"`
	Night     bool    `koanf:"night" yaml:"night"`
}

type WhiteBalance struct {
	Auto  bool    `koanf:"auto" yaml:"auto"`
	Red   float64 `koanf:"red" yaml:"red"`
	Green float64 `koanf:"green" yaml:"green"`
	Blue  float64 `koanf:"blue" yaml:"blue"`
}

type CLAHE struct {
	Enabled   bool    `koanf:"enabled" yaml:"enabled"`
	ClipLimit float64 `koanf:"clip_limit" yaml:"clip_limit"`
	GridSize  int     `koanf:"grid_size" yaml:"grid_size"`
}

type Stretch struct {
	Algorithm   string  `koanf:"algorithm" yaml:"algorithm"` // "", mtf, stddev
	Day         bool    `koanf:"day" yaml:"day"`
	Night       bool    `koanf:"night" yaml:"night"`
	MoonMode    bool    `koanf:"moonmode" yaml:"moonmode"`
	Midtone     float64 `koanf:"midtone" yaml:"midtone"`
	ShadowsClip float64 `koanf:"shadows_clip" yaml:"shadows_clip"`
	Split       bool    `koanf:"split" yaml:"split"`
}

type Border struct {
	Top    int   `koanf:"top" yaml:"top"`
	Left   int   `koanf:"left" yaml:"left"`
	Right  int   `koanf:"right" yaml:"right"`
	Bottom int   `koanf:"bottom" yaml:"bottom"`
	Color  []int `koanf:"color" yaml:"color"` // BGR
}

type CircleMask struct {
	Enabled  bool    `koanf:"enabled" yaml:"enabled"`
	Diameter int     `koanf:"diameter" yaml:"diameter"`
	OffsetX  int     `koanf:"offset_x" yaml:"offset_x"`
	OffsetY  int     `koanf:"offset_y" yaml:"offset_y"`
	Blur     int     `koanf:"blur" yaml:"blur"`
	Opacity  float64 `koanf:"opacity" yaml:"opacity"`
	Outline  bool    `koanf:"outline" yaml:"outline"`
}

type Lightgraph struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	Height  int  `koanf:"height" yaml:"height"`
}

type Orb struct {
	Mode      string `koanf:"mode" yaml:"mode"` // "", ha, az, alt
	Radius    int    `koanf:"radius" yaml:"radius"`
	SunColor  []int  `koanf:"sun_color" yaml:"sun_color"`
	MoonColor []int  `koanf:"moon_color" yaml:"moon_color"`
}

type Cardinal struct {
	Enabled     bool    `koanf:"enabled" yaml:"enabled"`
	NorthOffset float64 `koanf:"north_offset" yaml:"north_offset"`
	SwapEW      bool    `koanf:"swap_ew" yaml:"swap_ew"`
}

type Label struct {
	Enabled    bool   `koanf:"enabled" yaml:"enabled"`
	Template   string `koanf:"template" yaml:"template"`
	X          int    `koanf:"x" yaml:"x"`
	Y          int    `koanf:"y" yaml:"y"`
	LineHeight int    `koanf:"line_height" yaml:"line_height"`
	Color      []int  `koanf:"color" yaml:"color"`
}

type Panorama struct {
	Enabled  bool    `koanf:"enabled" yaml:"enabled"`
	Width    int     `koanf:"width" yaml:"width"`
	Height   int     `koanf:"height" yaml:"height"`
	Diameter int     `koanf:"diameter" yaml:"diameter"`
	Rotation float64 `koanf:"rotation" yaml:"rotation"`
}

// Keogram configures the realtime and per-session keogram.
type Keogram struct {
	Angle        float64 `koanf:"angle" yaml:"angle"`
	HScale       int     `koanf:"h_scale" yaml:"h_scale"`
	VScale       int     `koanf:"v_scale" yaml:"v_scale"`
	MaxEntries   int     `koanf:"max_entries" yaml:"max_entries"`
	SaveInterval int     `koanf:"save_interval" yaml:"save_interval"`
}

// Timelapse configures the external encoder.
type Timelapse struct {
	Enabled      bool   `koanf:"enabled" yaml:"enabled"`
	Encoder      string `koanf:"encoder" yaml:"encoder"`
	Framerate    int    `koanf:"framerate" yaml:"framerate"`
	Codec        string `koanf:"codec" yaml:"codec"`
	Bitrate      string `koanf:"bitrate" yaml:"bitrate"`
	VFScale      string `koanf:"vf_scale" yaml:"vf_scale"`
	ExtraOptions string `koanf:"extra_options" yaml:"extra_options"`
	SkipFrames   int    `koanf:"skip_frames" yaml:"skip_frames"`
	Format       string `koanf:"format" yaml:"format"`
	Panorama     bool   `koanf:"panorama" yaml:"panorama"`
	UploadNight  bool   `koanf:"upload_endofnight" yaml:"upload_endofnight"`
}

// Processing captures task-worker execution preferences.
type Processing struct {
	ParallelJobs int     `koanf:"parallel_jobs" yaml:"parallel_jobs"`
	PollInterval float64 `koanf:"poll_interval" yaml:"poll_interval"`
	TempDir      string  `koanf:"temp_dir" yaml:"temp_dir"`
}

// Paths configures storage locations.
type Paths struct {
	ImageDir     string `koanf:"image_dir" yaml:"image_dir"`
	DatabasePath string `koanf:"database_path" yaml:"database_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `koanf:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `koanf:"format" yaml:"format"`           // text, json
	FileOutput bool   `koanf:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `koanf:"log_dir" yaml:"log_dir"`
}

// MQTT configures the broker connection shared by the MQTT camera and notifications.
type MQTT struct {
	Enabled        bool    `koanf:"enabled" yaml:"enabled"`
	BrokerURL      string  `koanf:"broker_url" yaml:"broker_url"`
	ClientID       string  `koanf:"client_id" yaml:"client_id"`
	Username       string  `koanf:"username" yaml:"username"`
	Password       string  `koanf:"password" yaml:"password"`
	BaseTopic      string  `koanf:"base_topic" yaml:"base_topic"`
	QoS            int     `koanf:"qos" yaml:"qos"`
	KeepAlive      float64 `koanf:"keepalive" yaml:"keepalive"`
	ConnectTimeout float64 `koanf:"connect_timeout" yaml:"connect_timeout"`
}

// Server configures the status HTTP surface.
type Server struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

// Sensors lists sensor plugins by class name.
type Sensors struct {
	Interval float64        `koanf:"interval" yaml:"interval"`
	Devices  []SensorDevice `koanf:"devices" yaml:"devices"`
}

type SensorDevice struct {
	Class   string            `koanf:"class" yaml:"class"`
	Label   string            `koanf:"label" yaml:"label"`
	Slot    int               `koanf:"slot" yaml:"slot"`
	Options map[string]string `koanf:"options" yaml:"options"`
}

// Climate configures the dew heater / fan capability. Temperature is read from the
// sensor temperature array and the dew point from the sensor user array.
type Climate struct {
	Controller string  `koanf:"controller" yaml:"controller"` // null, threshold
	DewMargin  float64 `koanf:"dew_margin" yaml:"dew_margin"`
	FanTemp    float64 `koanf:"fan_temp" yaml:"fan_temp"`
	TempSlot   int     `koanf:"temp_slot" yaml:"temp_slot"`
	DewSlot    int     `koanf:"dew_point_slot" yaml:"dew_point_slot"`
	HeaterPin  string  `koanf:"heater_pin" yaml:"heater_pin"` // GPIO name, empty logs only
	FanPin     string  `koanf:"fan_pin" yaml:"fan_pin"`
}

// Load reads configuration from the file named by ALLSKY_CONFIG (or the default path),
// layered over defaults and under ALLSKY_ environment overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("ALLSKY_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile is Load with an explicit path.
func LoadFile(configPath string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	if expanded != "" {
		parser := koanf.Parser(yaml.Parser())
		if strings.EqualFold(filepath.Ext(expanded), ".json") {
			parser = json.Parser()
		}
		if err := k.Load(file.Provider(expanded), parser); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", expanded, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Validate()
	return cfg, nil
}

// envKey maps ALLSKY_CAPTURE__EXPOSURE_PERIOD to capture.exposure_period.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Default returns a validated copy of the built-in defaults.
func Default() *Config {
	cfg := defaultConfig()
	cfg.Validate()
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Location: Location{Name: "default", Latitude: 33.0, Longitude: -84.0, Elevation: 300},
		Camera: Camera{
			Driver:       "simulator",
			Name:         "CCD Simulator",
			Host:         "localhost",
			Port:         7624,
			SubExposures: 2,
			ExposureMin:  0.000032,
			ExposureMax:  15.0,
			ExposureDay:  0.000032,
			Simulator: SimulatorCamera{
				Width: 640, Height: 480, Stars: 60, BayerPattern: "RGGB", BitDepth: 12,
				Temperature: 15.0, Seed: 1,
			},
		},
		Capture: Capture{
			ExposurePeriod:    15.0,
			ExposurePeriodDay: 15.0,
			FocusDelay:        4.0,
			DaytimeCapture:    true,
			DaytimeTimelapse:  true,
			QueueMin:          1,
			QueueMax:          3,
			QueueBackoff:      0.5,
			WatchdogTimeout:   300,
			PeriodicInterval:  300,
			ReadyTimeout:      11,
			StartupRetryDelay: 60,
			AutoExposure:      true,
			TargetADU:         75,
			TargetADUDev:      10,
		},
		Night: Night{
			SunAltDeg:      -6,
			MoonModeAltDeg: 0,
			MoonModePhase:  50,
			Day:            ModeSettings{Gain: 0, Bin: 1},
			Night:          ModeSettings{Gain: 100, Bin: 1},
			MoonMode:       ModeSettings{Gain: 50, Bin: 1},
		},
		Image: Image{
			Format:             "jpg",
			Quality:            90,
			StackCount:         1,
			StackMethod:        "average",
			AlignDetectSigma:   5,
			AlignPoints:        50,
			AlignMinArea:       10,
			RegistrationMinExp: 5,
			StarThreshold:      0.6,
			SCNR:               SCNR{Amount: 0.5},
			WhiteBalance:       WhiteBalance{Red: 1, Green: 1, Blue: 1},
			Saturation:         1.0,
			CLAHE:              CLAHE{ClipLimit: 3.0, GridSize: 8},
			Gamma:              1.0,
			Stretch:            Stretch{Midtone: 0.25, ShadowsClip: 2.8},
			ScalePercent:       100,
			Border:             Border{Color: []int{0, 0, 0}},
			CircleMask:         CircleMask{Blur: 35, Opacity: 1.0},
			LightgraphOverlay:  Lightgraph{Height: 20},
			Orb:                Orb{Radius: 9, SunColor: []int{0, 255, 255}, MoonColor: []int{255, 255, 255}},
			Label: Label{
				Enabled:    true,
				Template:   DefaultLabelTemplate,
				X:          15,
				Y:          20,
				LineHeight: 16,
				Color:      []int{200, 200, 200},
			},
			Panorama:     Panorama{Width: 1440, Height: 240},
			SQMZeroPoint: 22.0,
			ExpireDays:   30,
		},
		Keogram:   Keogram{HScale: 100, VScale: 33, MaxEntries: 1000, SaveInterval: 25},
		Timelapse: Timelapse{Enabled: true, Encoder: "ffmpeg", Framerate: 25, Codec: "libx264", Bitrate: "5000k", Format: "mp4"},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			PollInterval: 5,
			TempDir:      os.TempDir(),
		},
		Paths: Paths{
			ImageDir:     "./images",
			DatabasePath: filepath.Join(os.TempDir(), "allsky.db"),
		},
		Logging: Logging{Level: "info", Format: "text", LogDir: "./logs"},
		MQTT: MQTT{
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "allsky",
			BaseTopic:      "allsky",
			KeepAlive:      30,
			ConnectTimeout: 10,
		},
		Server:  Server{Enabled: true, Addr: ":8080"},
		Sensors: Sensors{Interval: 60},
		Climate: Climate{Controller: "null", DewMargin: 2.0, FanTemp: 30.0},
	}
}

// DefaultLabelTemplate is a text/template rendered against the per-frame label context.
const DefaultLabelTemplate = `{{.Timestamp.Format "2006-01-02 15:04:05"}}
Exposure {{printf "%.6f" .Exposure}}
Gain {{.Gain}}  Bin {{.Bin}}
Temp {{printf "%.1f" .Temperature}}C
Stars {{.Stars}}  SQM {{printf "%.2f" .SQM}}
Sun {{printf "%.1f" .SunAlt}}  Moon {{printf "%.1f" .MoonAlt}} {{printf "%.0f" .MoonPhase}}%{{if .FocusMode}}
FOCUS MODE{{end}}`

// Validate clamps values into usable ranges.
func (c *Config) Validate() {
	if c.Image.StackCount < 1 {
		c.Image.StackCount = 1
	}
	switch c.Image.StackMethod {
	case "average", "mean", "maximum", "minimum":
	default:
		c.Image.StackMethod = "average"
	}
	if c.Capture.QueueMin < 0 {
		c.Capture.QueueMin = 0
	}
	if c.Capture.QueueMax < 1 {
		c.Capture.QueueMax = 1
	}
	if c.Capture.QueueMin > c.Capture.QueueMax {
		c.Capture.QueueMin = c.Capture.QueueMax
	}
	if c.Capture.ExposurePeriod <= 0 {
		c.Capture.ExposurePeriod = 15
	}
	if c.Capture.ExposurePeriodDay <= 0 {
		c.Capture.ExposurePeriodDay = c.Capture.ExposurePeriod
	}
	if c.Camera.ExposureMax < c.Camera.ExposureMin {
		c.Camera.ExposureMax = c.Camera.ExposureMin
	}
	if c.Camera.MaxBitDepth > 16 {
		c.Camera.MaxBitDepth = 16
	}
	if c.Image.ScalePercent <= 0 {
		c.Image.ScalePercent = 100
	}
	if c.Image.Gamma <= 0 {
		c.Image.Gamma = 1.0
	}
	if c.Keogram.MaxEntries <= 0 {
		c.Keogram.MaxEntries = 1000
	}
	if c.Processing.ParallelJobs < 1 {
		c.Processing.ParallelJobs = 1
	}
	if c.Timelapse.Framerate <= 0 {
		c.Timelapse.Framerate = 25
	}
	c.Image.Format = strings.TrimPrefix(strings.ToLower(c.Image.Format), ".")
	if c.Image.Format == "jpeg" {
		c.Image.Format = "jpg"
	}
	switch c.Image.Format {
	case "jpg", "png", "tif":
	case "tiff":
		c.Image.Format = "tif"
	default:
		c.Image.Format = "jpg"
	}
}

// ExposurePeriodFor returns the cadence for the given mode.
func (c *Config) ExposurePeriodFor(night bool) float64 {
	if night {
		return c.Capture.ExposurePeriod
	}
	return c.Capture.ExposurePeriodDay
}

// ModeFor returns the camera settings for the current day/night/moon state.
func (c *Config) ModeFor(night, moonmode bool) ModeSettings {
	switch {
	case night && moonmode:
		return c.Night.MoonMode
	case night:
		return c.Night.Night
	default:
		return c.Night.Day
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
