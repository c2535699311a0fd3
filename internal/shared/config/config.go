package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"relaypool/internal/shared/types"
)

// LoadIni 加载 relaypool.ini 行为配置文件，覆盖 cfg 中已有的默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.WebConf.Port, "RELAYPOOL_WEB_PORT")
	overrideFromEnvString(&cfg.StoreConf.RedisAddr, "RELAYPOOL_REDIS_ADDR")
	overrideFromEnvString(&cfg.LogConf.Level, "RELAYPOOL_LOG_LEVEL")
	return nil
}

// Load reads the ini file over the defaults and validates the result.
func Load(fileName string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if err := LoadIni(cfg, fileName); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", fileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", fileName, err)
	}
	return cfg, nil
}

// LoadSources 加载 sources.json 数据文件。
func LoadSources(fileName string) ([]*types.SourceProfile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return []*types.SourceProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources.json: %w", err)
	}
	profiles := make([]*types.SourceProfile, 0, len(raw))
	for i, item := range raw {
		// 未写 active 的源默认启用
		p := &types.SourceProfile{Active: true}
		if err := json.Unmarshal(item, p); err != nil {
			return nil, fmt.Errorf("source #%d: %w", i, err)
		}
		if p.Name == "" || p.URL == "" {
			return nil, fmt.Errorf("source #%d: name and url are required", i)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
