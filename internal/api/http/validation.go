package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"gearhouse-backend/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// decimal.Decimal fields are validated directly; a custom type func
		// returning the same type would loop.
		_ = v.RegisterValidation("nonneg_decimal", func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(decimal.Decimal)
			return ok && !d.IsNegative()
		})
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// decode reads a JSON body into dst and runs its validate tags. Failures
// wrap domain.ErrInvalidInput.
func decode(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Invalidf("request body is required")
		}
		return domain.Invalidf("malformed request body: %v", err)
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	if err := getValidator().Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return formatFieldError(verrs[0])
		}
		return domain.Invalidf("%v", err)
	}
	return nil
}

func formatFieldError(fe validator.FieldError) error {
	field := toSnakeCase(fe.Field())
	switch fe.Tag() {
	case "required":
		return domain.Invalidf("'%s' is required", field)
	case "uuid":
		return domain.Invalidf("'%s' must be a valid UUID", field)
	case "oneof":
		return domain.Invalidf("'%s' must be one of [%s]", field, fe.Param())
	case "max":
		return domain.Invalidf("'%s' must be at most %s", field, fe.Param())
	case "gtfield":
		return domain.Invalidf("'%s' must be after '%s'", field, toSnakeCase(fe.Param()))
	case "nonneg_decimal":
		return domain.Invalidf("'%s' cannot be negative", field)
	case "url":
		return domain.Invalidf("'%s' must be a valid URL", field)
	}
	return domain.Invalidf("'%s' failed '%s' validation", field, fe.Tag())
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, domain.Invalidf("invalid %s", name)
	}
	return id, nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.Invalidf("invalid %s", field)
	}
	return id, nil
}

func optionalID(field, raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseID(field, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// intervalQuery reads RFC 3339 start and end query parameters.
func intervalQuery(r *http.Request) (domain.Interval, error) {
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		return domain.Interval{}, domain.Invalidf("start must be an RFC 3339 timestamp")
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		return domain.Interval{}, domain.Invalidf("end must be an RFC 3339 timestamp")
	}
	return domain.NewInterval(start, end)
}

func pageQuery(r *http.Request) (int32, int32, error) {
	q := r.URL.Query()
	page, pageSize := int64(1), int64(20)
	var err error
	if v := q.Get("page"); v != "" {
		if page, err = strconv.ParseInt(v, 10, 32); err != nil {
			return 0, 0, domain.Invalidf("page must be an integer")
		}
	}
	if v := q.Get("page_size"); v != "" {
		if pageSize, err = strconv.ParseInt(v, 10, 32); err != nil {
			return 0, 0, domain.Invalidf("page_size must be an integer")
		}
	}
	return int32(page), int32(pageSize), nil
}
