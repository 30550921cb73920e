package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report yaml names, matching what operators write in the file
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Listen.Port == 0 && c.Listen.TLSPort == 0 {
		return errors.New("invalid config: no client listener configured")
	}
	if c.NeedsTLS() && c.TLS.Cert == "" && !c.TLS.AutoGenerate {
		return errors.New("invalid config: TLS listener needs tls.cert or tls.auto_generate")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("invalid config: tls.cert and tls.key must be set together")
	}
	if (c.Listen.LinkPort != 0 || c.Listen.LinkTLSPort != 0) && c.Server.SID == "" {
		return errors.New("invalid config: server links need server.sid")
	}
	return nil
}
