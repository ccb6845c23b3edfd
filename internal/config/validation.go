package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate 校验器单例
var validate = validator.New()

// Validate 按结构体标签和自定义规则校验配置
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules 标签无法表达的跨字段规则
func validateCustomRules(cfg *Config) error {
	switch cfg.Storage.Type {
	case "local":
		if cfg.Storage.Local.RootPath == "" {
			return fmt.Errorf("storage.local.root_path: required when storage.type is local")
		}
	case "minio":
		if cfg.Storage.MinIO.Endpoint == "" || cfg.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio: endpoint and bucket are required when storage.type is minio")
		}
	}

	if cfg.Locks.Persistence.Enabled && cfg.Locks.Persistence.Path == "" {
		return fmt.Errorf("locks.persistence.path: required when persistence is enabled")
	}

	if cfg.Sessions.Reply.Type == "redis" && cfg.Sessions.Reply.Redis.Address == "" {
		return fmt.Errorf("sessions.reply.redis.address: required when reply type is redis")
	}

	return nil
}

// formatValidationError 将校验错误转换为可读信息
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return fmt.Errorf("config validation failed: %w", err)
}
