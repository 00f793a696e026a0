package plana

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
)

type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger stored in the context, falling back to
// the given logger (or [slog.Default]) when none is set.
func ContextLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// generateRandomHexString returns a random hex string of the given length.
func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, (length+1)/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// rewriteMentions replaces raw discord user mentions in content with
// display names, so the model sees "@Name<id:123>" instead of "<@123>".
// The bot's own mention is replaced with just "@BotName".
func rewriteMentions(
	content string,
	botID string,
	botName string,
	displayName func(id string) string,
) string {
	return mentionPattern.ReplaceAllStringFunc(
		content, func(m string) string {
			id := mentionPattern.FindStringSubmatch(m)[1]
			if id == botID {
				return "@" + botName
			}
			if displayName == nil {
				return m
			}
			name := displayName(id)
			if name == "" {
				return m
			}
			return "@" + name + "<id:" + id + ">"
		},
	)
}

// chunkMessage splits content into pieces no longer than limit runes,
// preferring to break on newlines. Discord rejects messages over 2000
// characters.
func chunkMessage(content string, limit int) []string {
	if limit <= 0 || len([]rune(content)) <= limit {
		return []string{content}
	}
	var chunks []string
	runes := []rune(content)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set. If the `log` tag is set, the
// value specified will override the field's actual value.
// Ex: `log:"[redacted]"` will cause "[redacted]" to be shown as the field's
// value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.String() == "" {
				skip = true
			}
		}
		if skip {
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}
