package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvOutputPath overrides capture.output_path when set
const EnvOutputPath = "CAPTURE_OUTPUT_PATH"

// Config represents the application configuration
type Config struct {
	Capture   CaptureConfig   `toml:"capture" json:"capture"`
	Synthetic SyntheticConfig `toml:"synthetic" json:"synthetic"`
	GStreamer GStreamerConfig `toml:"gstreamer" json:"gstreamer"`
	Router    RouterConfig    `toml:"router" json:"router"`
	Recorder  RecorderConfig  `toml:"recorder" json:"recorder"`
	Server    ServerConfig    `toml:"server" json:"server"`
	Preview   PreviewConfig   `toml:"preview" json:"preview"`
	MJPEG     MJPEGConfig     `toml:"mjpeg" json:"mjpeg"`
	Buffers   BufferConfig    `toml:"buffers" json:"buffers"`
	Timeouts  TimeoutConfig   `toml:"timeouts" json:"timeouts"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`

	// Where the values came from, for startup logging
	Source string `toml:"-" json:"-"`
}

// CaptureConfig selects the backend and the initial session layout
type CaptureConfig struct {
	Backend        string `toml:"backend" json:"backend"`                 // "synthetic" or "gstreamer"
	CameraPosition string `toml:"camera_position" json:"camera_position"` // "front" or "back"
	EnableAudio    bool   `toml:"enable_audio" json:"enable_audio"`
	OutputPath     string `toml:"output_path" json:"output_path"`
	MirrorFront    bool   `toml:"mirror_front" json:"mirror_front"`
}

// SyntheticConfig holds settings for the test-pattern backend
type SyntheticConfig struct {
	Width        int      `toml:"width" json:"width"`
	Height       int      `toml:"height" json:"height"`
	FPS          int      `toml:"fps" json:"fps"`
	SampleRate   int      `toml:"sample_rate" json:"sample_rate"`
	Channels     int      `toml:"channels" json:"channels"`
	AudioChunkMS int      `toml:"audio_chunk_ms" json:"audio_chunk_ms"`
	ToneHz       float64  `toml:"tone_hz" json:"tone_hz"`
	BusyDevices  []string `toml:"busy_devices" json:"busy_devices"`
}

// GStreamerConfig holds settings for the gst-launch backend
type GStreamerConfig struct {
	FrontCamera      string `toml:"front_camera" json:"front_camera"`
	BackCamera       string `toml:"back_camera" json:"back_camera"`
	Microphone       string `toml:"microphone" json:"microphone"`
	Width            int    `toml:"width" json:"width"`
	Height           int    `toml:"height" json:"height"`
	FPS              int    `toml:"fps" json:"fps"`
	FlipMethod       string `toml:"flip_method" json:"flip_method"`
	EncoderPreset    string `toml:"encoder-preset" json:"encoder_preset"`
	Bitrate          int    `toml:"bitrate" json:"bitrate"`
	KeyframeInterval int    `toml:"keyframe-interval" json:"keyframe_interval"`
	SampleRate       int    `toml:"sample_rate" json:"sample_rate"`
	Channels         int    `toml:"channels" json:"channels"`
	AudioChunkMS     int    `toml:"audio_chunk_ms" json:"audio_chunk_ms"`
	MaxPayloadSizeMB int    `toml:"max_payload_size_mb" json:"max_payload_size_mb"`
}

// RouterConfig holds sample fan-out settings
type RouterConfig struct {
	QueueSize  int  `toml:"queue_size" json:"queue_size"`
	LogSamples bool `toml:"log_samples" json:"log_samples"`
}

// RecorderConfig holds container writer settings
type RecorderConfig struct {
	Compress         bool `toml:"compress" json:"compress"`
	CompressionLevel int  `toml:"compression_level" json:"compression_level"`
	BufferSizeKB     int  `toml:"buffer_size_kb" json:"buffer_size_kb"`
	SyncOnClose      bool `toml:"sync_on_close" json:"sync_on_close"`
	QueueSize        int  `toml:"queue_size" json:"queue_size"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort       int    `toml:"web_port" json:"web_port"`
	BindIP        string `toml:"bind_ip" json:"bind_ip"`
	AdvertiseHost string `toml:"advertise_host" json:"advertise_host"` // Auto-detected if empty
}

// PreviewConfig holds WebRTC preview settings
type PreviewConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	STUNServer string `toml:"stun_server" json:"stun_server"`
	MaxClients int    `toml:"max_clients" json:"max_clients"`
	Timeout    int    `toml:"timeout_ms" json:"timeout_ms"`
}

// MJPEGConfig holds settings for the RTP/JPEG preview of raw frames
type MJPEGConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	DestHost  string `toml:"dest_host" json:"dest_host"`
	DestPort  int    `toml:"dest_port" json:"dest_port"`
	LocalPort int    `toml:"local_port" json:"local_port"` // 0 picks an ephemeral port
	MTU       int    `toml:"mtu" json:"mtu"`
	Quality   int    `toml:"quality" json:"quality"` // JPEG quality 1-100
	SSRC      uint32 `toml:"ssrc" json:"ssrc"`
}

// BufferConfig holds buffer size settings for channels
type BufferConfig struct {
	SignalChannelSize int `toml:"signal_channel_size" json:"signal_channel_size"`
	ErrorChannelSize  int `toml:"error_channel_size" json:"error_channel_size"`
	PreviewQueueSize  int `toml:"preview_queue_size" json:"preview_queue_size"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ProcessStopTimeout  int `toml:"process_stop_timeout_seconds" json:"process_stop_timeout_seconds"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds log output and interval settings
type LoggingConfig struct {
	Level            string `toml:"level" json:"level"`
	Development      bool   `toml:"development" json:"development"`
	File             string `toml:"file" json:"file"`
	MaxSizeMB        int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups       int    `toml:"max_backups" json:"max_backups"`
	MaxAgeDays       int    `toml:"max_age_days" json:"max_age_days"`
	Compress         bool   `toml:"compress" json:"compress"`
	FrameLogInterval int    `toml:"frame_log_interval_ms" json:"frame_log_interval_ms"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// Default returns a fully populated configuration
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Backend:        "synthetic",
			CameraPosition: "front",
			EnableAudio:    true,
			OutputPath:     "recordings/abc.mp4",
			MirrorFront:    true,
		},
		Synthetic: SyntheticConfig{
			Width:        320,
			Height:       240,
			FPS:          30,
			SampleRate:   48000,
			Channels:     1,
			AudioChunkMS: 20,
			ToneHz:       440,
		},
		GStreamer: GStreamerConfig{
			FrontCamera:      "/base/axi/pcie@1000120000/rp1/i2c@88000/imx219@10",
			BackCamera:       "/base/axi/pcie@1000120000/rp1/i2c@80000/imx219@10",
			Microphone:       "default",
			Width:            640,
			Height:           480,
			FPS:              30,
			EncoderPreset:    "ultrafast",
			Bitrate:          2000000,
			KeyframeInterval: 30,
			SampleRate:       48000,
			Channels:         1,
			AudioChunkMS:     20,
			MaxPayloadSizeMB: 2,
		},
		Router: RouterConfig{
			QueueSize:  32,
			LogSamples: true,
		},
		Recorder: RecorderConfig{
			Compress:         false,
			CompressionLevel: 3,
			BufferSizeKB:     64,
			SyncOnClose:      true,
			QueueSize:        256,
		},
		Server: ServerConfig{
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Preview: PreviewConfig{
			Enabled:    true,
			STUNServer: "stun:stun.l.google.com:19302",
			MaxClients: 4,
			Timeout:    10000,
		},
		MJPEG: MJPEGConfig{
			Enabled:  false,
			DestHost: "127.0.0.1",
			DestPort: 5000,
			MTU:      1400,
			Quality:  85,
			SSRC:     0x43415052,
		},
		Buffers: BufferConfig{
			SignalChannelSize: 1,
			ErrorChannelSize:  1,
			PreviewQueueSize:  30,
		},
		Timeouts: TimeoutConfig{
			ProcessStopTimeout:  5,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:            "info",
			File:             "logs/capture-recorder.log",
			MaxSizeMB:        50,
			MaxBackups:       20,
			MaxAgeDays:       14,
			FrameLogInterval: 1000,
			StatsLogInterval: 60,
		},
	}
}

// LoadConfig loads configuration from a TOML file. Missing files leave the
// defaults in place.
func LoadConfig(configPath string) (*Config, error) {
	config := Default()
	config.Source = "defaults"

	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, config); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
			config.Source = configPath
		}
	}

	if path := os.Getenv(EnvOutputPath); path != "" {
		config.Capture.OutputPath = path
	}

	// Auto-detect the advertised host if not set
	if config.Server.AdvertiseHost == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.AdvertiseHost = ip
		} else {
			config.Server.AdvertiseHost = "localhost"
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the application cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Capture.Backend) {
	case "synthetic", "gstreamer":
	default:
		errs = append(errs, fmt.Errorf("capture.backend: unknown backend %q", c.Capture.Backend))
	}
	switch strings.ToLower(c.Capture.CameraPosition) {
	case "front", "back":
	default:
		errs = append(errs, fmt.Errorf("capture.camera_position: must be front or back, got %q", c.Capture.CameraPosition))
	}
	if c.Capture.OutputPath == "" {
		errs = append(errs, errors.New("capture.output_path: must not be empty"))
	} else if filepath.Ext(c.Capture.OutputPath) == "" {
		errs = append(errs, fmt.Errorf("capture.output_path: %q has no file extension", c.Capture.OutputPath))
	}

	if c.Synthetic.Width <= 0 || c.Synthetic.Height <= 0 || c.Synthetic.Width%2 != 0 || c.Synthetic.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("synthetic: frame size %dx%d must be positive and even", c.Synthetic.Width, c.Synthetic.Height))
	}
	if c.Synthetic.FPS <= 0 || c.GStreamer.FPS <= 0 {
		errs = append(errs, errors.New("fps must be positive"))
	}
	if c.Synthetic.SampleRate <= 0 || c.Synthetic.Channels <= 0 || c.Synthetic.AudioChunkMS <= 0 {
		errs = append(errs, errors.New("synthetic: audio format must be positive"))
	}

	if c.Router.QueueSize <= 0 || c.Recorder.QueueSize <= 0 {
		errs = append(errs, errors.New("queue sizes must be positive"))
	}
	if c.Recorder.CompressionLevel < 1 || c.Recorder.CompressionLevel > 22 {
		errs = append(errs, fmt.Errorf("recorder.compression_level: %d out of range 1-22", c.Recorder.CompressionLevel))
	}

	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		errs = append(errs, fmt.Errorf("server.web_port: %d out of range", c.Server.WebPort))
	}
	if c.Preview.MaxClients <= 0 {
		errs = append(errs, errors.New("preview.max_clients must be positive"))
	}

	if c.MJPEG.Enabled {
		if c.MJPEG.DestPort <= 0 || c.MJPEG.DestPort > 65535 {
			errs = append(errs, fmt.Errorf("mjpeg.dest_port: %d out of range", c.MJPEG.DestPort))
		}
		if c.MJPEG.Quality < 1 || c.MJPEG.Quality > 100 {
			errs = append(errs, fmt.Errorf("mjpeg.quality: %d out of range 1-100", c.MJPEG.Quality))
		}
		if c.Synthetic.Width%8 != 0 || c.Synthetic.Height%8 != 0 {
			errs = append(errs, fmt.Errorf("mjpeg: synthetic frame size %dx%d must be a multiple of 8", c.Synthetic.Width, c.Synthetic.Height))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr returns the HTTP listen address
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.BindIP, fmt.Sprint(c.Server.WebPort))
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
