package config

import (
	"fmt"
	"reflect"
	"strings"
)

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Limits.APIKeys = make([]string, len(cfg.Limits.APIKeys))
	for i, k := range cfg.Limits.APIKeys {
		c.Limits.APIKeys[i] = maskString(k)
	}
	c.Generation.Models = append([]string(nil), cfg.Generation.Models...)

	for _, s := range []*string{
		&c.Graph.AppSecret,
		&c.Graph.VerifyToken,
		&c.Graph.PageAccessToken,
		&c.Graph.InstagramAccessToken,
		&c.Telegram.BotToken,
		&c.Telegram.SecretToken,
		&c.Generation.OpenAIAPIKey,
		&c.CRM.APIKey,
	} {
		if *s != "" {
			*s = maskString(*s)
		}
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// Var is one environment variable and its effective value.
type Var struct {
	Name  string
	Value string
}

// Environ lists every configuration variable with its value, in struct
// order. Pass a sanitized config to print it safely.
func Environ(cfg *Config) []Var {
	var out []Var
	walkEnv(reflect.ValueOf(*cfg), &out)
	return out
}

func walkEnv(v reflect.Value, out *[]Var) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f, fv := t.Field(i), v.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if name == "" {
			if fv.Kind() == reflect.Struct {
				walkEnv(fv, out)
			}
			continue
		}
		var val string
		switch x := fv.Interface().(type) {
		case []string:
			val = strings.Join(x, ",")
		default:
			val = fmt.Sprint(x)
		}
		*out = append(*out, Var{Name: name, Value: val})
	}
}
