package app

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/shrimpsizemoose/trekker/logger"
)

type GSheetConfig struct {
	SheetID         string `toml:"sheet_id"`
	SheetName       string `toml:"sheet_name"`
	CredentialsPath string `toml:"credentials_path"`
	Schedule        string `toml:"schedule"`
}

type Config struct {
	Server struct {
		Port       string `toml:"port"`
		EnableAuth bool   `toml:"enable_auth"`
	} `toml:"server"`

	Auth struct {
		RedisURL         string `toml:"redis_url"`
		TokenHeader      string `toml:"token_header"`
		TokenKeyTemplate string `toml:"token_key_template"`
	} `toml:"auth"`

	Database struct {
		DSN           string `toml:"dsn"`
		MigrationsDir string `toml:"migrations_dir"`
	} `toml:"database"`

	Exam struct {
		Name      string    `toml:"name"`
		Questions int       `toml:"questions"`
		Versions  int       `toml:"versions"`
		MaxMarks  []float64 `toml:"max_marks"`
	} `toml:"exam"`

	Marking struct {
		SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
		MaxOutMinutes        int `toml:"max_out_minutes"`
	} `toml:"marking"`

	GSheet map[string]GSheetConfig `toml:"gsheet"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf(
			"error reading config file %s\n> Error: %w\n> Content:\n%s",
			path,
			err,
			string(data),
		)
	}

	if config.Server.Port == "" {
		return nil, fmt.Errorf("server port is not specified in config, use a value like :9999")
	}
	if config.Exam.Questions < 1 {
		return nil, fmt.Errorf("exam.questions must be at least 1")
	}
	if config.Exam.Versions < 1 {
		config.Exam.Versions = 1
	}
	if len(config.Exam.MaxMarks) != config.Exam.Questions {
		return nil, fmt.Errorf(
			"exam.max_marks needs one entry per question: got %d entries for %d questions",
			len(config.Exam.MaxMarks), config.Exam.Questions,
		)
	}
	if config.Marking.SweepIntervalMinutes == 0 {
		config.Marking.SweepIntervalMinutes = 15
	}
	if config.Marking.MaxOutMinutes == 0 {
		config.Marking.MaxOutMinutes = 120
	}
	if config.Server.EnableAuth {
		if config.Auth.TokenHeader == "" {
			config.Auth.TokenHeader = "Authorization"
		}
		if config.Auth.TokenKeyTemplate == "" {
			config.Auth.TokenKeyTemplate = "auth:{exam}:{username}"
		}
	}

	logger.Debug.Printf("Loaded exam config: %+v", config.Exam)

	return &config, nil
}
