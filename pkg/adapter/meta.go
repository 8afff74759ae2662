package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func metaValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// decodeMeta unmarshals node metaInfo into v and validates it
func decodeMeta(raw json.RawMessage, v any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return fmt.Errorf("metaInfo is empty")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("metaInfo is not valid JSON: %w", err)
	}
	if err := metaValidator().Struct(v); err != nil {
		return fmt.Errorf("metaInfo is invalid: %w", err)
	}
	return nil
}
