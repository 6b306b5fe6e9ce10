package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port  int `koanf:"port"`
	HTTPS struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Debug       bool `koanf:"debug"`
	MaxDataSize int  `koanf:"maxdatasize"` // in MB, per input image
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// EngineModelConfig identifies one pretrained network on the tensor engine
type EngineModelConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// EngineConfig related to the external tensor engine
type EngineConfig struct {
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Timeout    time.Duration `koanf:"timeout"`
	Detector   EngineModelConfig
	Landmarker EngineModelConfig
	Recognizer EngineModelConfig
}

// PipelineConfig holds defaults for the face pipeline
type PipelineConfig struct {
	MinConfidence  float32 `koanf:"minconfidence"`
	MaxResults     int     `koanf:"maxresults"`
	CropSize       int     `koanf:"cropsize"`
	DescriptorSize int     `koanf:"descriptorsize"`
}

// CacheConfig related to cache
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
	TTL time.Duration `koanf:"ttl"`
}

// WeightStoreConfig related to the pretrained weight blob store
type WeightStoreConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	Secure     bool   `koanf:"secure"`
	BucketName string `koanf:"bucketname"`
}

// AppConfig defines
type AppConfig struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Engine      EngineConfig      `koanf:"engine"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Cache       CacheConfig       `koanf:"cache"`
	WeightStore WeightStoreConfig `koanf:"weightstore"`
}

// Config - Global variable to export
var Config AppConfig

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"server.maxdatasize":      4,
		"pipeline.minconfidence":  0.5,
		"pipeline.cropsize":       150,
		"pipeline.descriptorsize": 128,
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
// for future use
func ValidateConfig(_ *AppConfig) error {
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
