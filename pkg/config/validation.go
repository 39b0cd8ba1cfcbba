package config

import (
	"net/url"
	"reflect"
	"strings"
)

const redactedValue = "***"

// Redacted returns a copy of the configuration that is safe to print.
// Fields set by the secrets file are masked, as are credentials embedded in
// connection URLs and the well-known secret fields.
func (c *Config) Redacted(secrets *Config) *Config {
	out := *c
	out.Jobs.Queues = append([]string(nil), c.Jobs.Queues...)
	out.Jobs.RateLimiter.Memcached.Addresses = append([]string(nil), c.Jobs.RateLimiter.Memcached.Addresses...)

	if secrets != nil {
		maskStruct(reflect.ValueOf(&out).Elem(), reflect.ValueOf(secrets).Elem())
	}

	out.Jobs.Database.URL = redactURL(out.Jobs.Database.URL)
	out.Jobs.Redis.URL = redactURL(out.Jobs.Redis.URL)
	out.Jobs.MongoDB.URL = redactURL(out.Jobs.MongoDB.URL)
	out.Jobs.RabbitMQ.URL = redactURL(out.Jobs.RabbitMQ.URL)
	out.Jobs.RateLimiter.Redis.URL = redactURL(out.Jobs.RateLimiter.Redis.URL)
	if out.Jobs.SQS.SecretAccessKey != "" {
		out.Jobs.SQS.SecretAccessKey = redactedValue
	}
	if out.Jobs.SQS.SessionToken != "" {
		out.Jobs.SQS.SessionToken = redactedValue
	}
	return &out
}

func maskStruct(v, mask reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		value := v.Field(i)
		maskValue := mask.Field(i)
		if !value.CanSet() {
			continue
		}
		switch value.Kind() {
		case reflect.Struct:
			maskStruct(value, maskValue)
		default:
			if !shouldRedact(maskValue) {
				continue
			}
			if value.Kind() == reflect.String {
				value.SetString(redactedValue)
			} else {
				value.Set(reflect.Zero(value.Type()))
			}
		}
	}
}

func redactURL(raw string) string {
	if strings.TrimSpace(raw) == "" || raw == redactedValue {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Opaque != "" {
		// DSNs such as user:pass@tcp(host)/db do not parse as URLs
		if at := strings.LastIndex(raw, "@"); at > 0 {
			return redactedValue + raw[at:]
		}
		return raw
	}
	if parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), redactedValue)
	}
	return parsed.String()
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}
