package endpoint

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds the size of any single decoded value unless the
// field carries its own maxLength tag.
var defaultFieldLimit = 16 * 1024 // 16KB

// Unmarshal populates dst (a non-nil pointer to a struct, or to a pointer to a
// struct) from the request.
//
// Supported struct tags, in precedence order:
//   - `path:"name"`    r.PathValue(name)
//   - `query:"name"`   r.URL.Query(); `query:"*"` on a url.Values field captures the whole query
//   - `header:"name"`  r.Header
//   - `body:""`        the raw request body
//
// A tag name may be followed by ",json" to decode the value as JSON. Body
// fields that are neither string nor []byte are always JSON-decoded and then
// require a JSON Content-Type. `maxLength:"n"` bounds the byte length of the
// value (default 16KB, "0" or "" for no limit). Fields whose source has no
// data are left unchanged. Untagged and unexported fields are ignored.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	var query url.Values
	if r.URL != nil {
		query = r.URL.Query()
	}

	t := root.Type()
	bodySeen := false
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		fv := root.Field(i)

		if tag, ok := sf.Tag.Lookup("path"); ok {
			name, enc := splitTag(tag, sf.Name)
			if s := r.PathValue(name); s != "" {
				if err := setField(fv, []string{s}, enc, limit); err != nil {
					return decodeError("path", name, sf.Name, err)
				}
				continue
			}
		}
		if tag, ok := sf.Tag.Lookup("query"); ok {
			name, enc := splitTag(tag, sf.Name)
			if name == "*" {
				if fv.Type() != reflect.TypeFor[url.Values]() {
					return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: query:\"*\" requires url.Values", sf.Name))
				}
				if len(query) > 0 {
					fv.Set(reflect.ValueOf(query))
					continue
				}
			} else if vs, present := query[name]; present && len(vs) > 0 {
				if err := setField(fv, vs, enc, limit); err != nil {
					return decodeError("query", name, sf.Name, err)
				}
				continue
			}
		}
		if tag, ok := sf.Tag.Lookup("header"); ok {
			name, enc := splitTag(tag, sf.Name)
			if vs := r.Header[http.CanonicalHeaderKey(name)]; len(vs) > 0 {
				if err := setField(fv, vs, enc, limit); err != nil {
					return decodeError("header", name, sf.Name, err)
				}
				continue
			}
		}
		if tag, ok := sf.Tag.Lookup("body"); ok {
			if bodySeen {
				return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields (%s)", sf.Name))
			}
			bodySeen = true
			_, enc := splitTag(tag, sf.Name)
			if err := setBody(r, fv, enc, limit); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeError(source, name, field string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", source, name, field, err))
}

// splitTag returns the source name (defaulting to the lowercased field name)
// and the optional encoding flag.
func splitTag(tag, fieldName string) (name, encoding string) {
	name, encoding, _ = strings.Cut(tag, ",")
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.ToLower(fieldName)
	}
	return name, strings.ToLower(strings.TrimSpace(encoding))
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("maxLength: invalid integer %q", val)
	}
	if n < 0 {
		return 0, errors.New("maxLength: must be >= 0")
	}
	return n, nil
}

func setBody(r *http.Request, fv reflect.Value, enc string, limit int) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	ft := fv.Type()
	if ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	rawKind := ft.Kind() == reflect.String || (ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.Uint8)
	if !rawKind {
		enc = "json"
	}
	if enc == "json" && !requestBodyIsJSON(r) {
		mt := requestBodyMediaType(r)
		if mt == "" {
			mt = "(missing)"
		}
		return newEndpointError(http.StatusUnsupportedMediaType, "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
	}

	var src io.Reader = r.Body
	if limit > 0 {
		// Read one byte past the limit so oversize bodies are detected.
		src = io.LimitReader(r.Body, int64(limit)+1)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
	}
	if limit > 0 && len(b) > limit {
		return newEndpointError(http.StatusRequestEntityTooLarge, "", fmt.Errorf("endpoint: decode: body exceeds max length %d", limit))
	}
	if err := setValue(fv, b, enc); err != nil {
		return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
	}
	return nil
}

func requestBodyIsJSON(r *http.Request) bool {
	mt := requestBodyMediaType(r)
	return strings.HasPrefix(mt, "application/json") || strings.HasSuffix(mt, "+json")
}

func requestBodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

// setField stores values into fv. Slice fields (other than []byte) receive one
// element per value; scalar fields take the first value.
func setField(fv reflect.Value, values []string, enc string, limit int) error {
	for _, s := range values {
		if limit > 0 && len(s) > limit {
			return fmt.Errorf("value exceeds max length %d", limit)
		}
	}
	if !fv.CanSet() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("field is not settable"))
	}
	isBytes := fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Uint8
	if fv.Kind() == reflect.Slice && !isBytes && enc != "json" {
		out := reflect.MakeSlice(fv.Type(), 0, len(values))
		for _, s := range values {
			elem := reflect.New(fv.Type().Elem()).Elem()
			if err := setValue(elem, []byte(s), enc); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		fv.Set(out)
		return nil
	}
	return setValue(fv, []byte(values[0]), enc)
}

func setValue(v reflect.Value, b []byte, enc string) error {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setValue(v.Elem(), b, enc)
	}
	if enc == "json" {
		return json.Unmarshal(b, v.Addr().Interface())
	}
	if enc != "" {
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unsupported encoding %q", enc))
	}
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText(b)
		}
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(string(b))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unsupported kind %s", v.Kind()))
		}
		v.SetBytes(append([]byte(nil), b...))
	case reflect.Bool:
		bb, err := strconv.ParseBool(string(b))
		if err != nil {
			return err
		}
		v.SetBool(bb)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(string(b), 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(string(b), 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(string(b), v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unsupported kind %s", v.Kind()))
	}
	return nil
}
