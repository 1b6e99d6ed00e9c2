package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	ListenAddr string

	// FFmpeg / encoder settings
	FFmpegPath       string
	FFprobePath      string
	StreamBitrate    string // live AAC encode, e.g. "192k"
	StreamSampleRate int    // live AAC encode, e.g. 48000
	MixBitrate       string // finalized MP3, e.g. "192k"
	MixSampleRate    int    // finalized MP3, e.g. 44100

	// RTMP destination for the live broadcast, full URL including stream key.
	RTMPDestination string

	// Temp directories for in-flight recording and finalize work.
	RecordingTempDir string
	FinalizeTempDir  string

	// MySQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO object storage
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// Auth
	SessionSecret     string
	AdminPasswordHash string

	// Logging
	LogLevel string
	LogPath  string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}

	ffmpegPath := getEnv("FFMPEG_PATH", "ffmpeg")
	dataDir := getEnv("DATA_DIR", "data")

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		FFmpegPath:       ffmpegPath,
		FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),
		StreamBitrate:    getEnv("STREAM_BITRATE", "192k"),
		StreamSampleRate: getEnvInt("STREAM_SAMPLE_RATE", 48000),
		MixBitrate:       getEnv("MIX_BITRATE", "192k"),
		MixSampleRate:    getEnvInt("MIX_SAMPLE_RATE", 44100),

		RTMPDestination: getEnv("RTMP_DESTINATION", "rtmp://127.0.0.1/live/moafunk"),

		RecordingTempDir: getEnv("RECORDING_TEMP_DIR", filepath.Join(dataDir, "recording-temp")),
		FinalizeTempDir:  getEnv("FINALIZE_TEMP_DIR", filepath.Join(dataDir, "finalize-temp")),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "moafunk"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "moafunk-live"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		SessionSecret:     os.Getenv("SESSION_SECRET"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", filepath.Join(dataDir, "logs", "server.log")),
	}
}
