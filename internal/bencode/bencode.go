// Package bencode encodes and decodes the BitTorrent bencoding used by
// .torrent files, tracker responses, and extension-protocol messages.
//
// The API shape (Decoder, Encoder, RawMessage, "bencode" struct tags,
// DecodeBytes/EncodeBytes) mirrors github.com/zeebo/bencode so call sites
// read the same way they would against that library. Unlike a generic
// bencode library, this decoder enforces the canonicalization rules the
// info-dictionary hash depends on: sorted, unique dictionary keys, no
// leading zeros or negative-zero integers, and a bounded nesting depth.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
)

// ErrMalformed is returned (wrapped) for any input that violates the
// bencode grammar or this package's canonicalization rules.
var ErrMalformed = errors.New("bencode: malformed input")

// MaxDepth bounds list/dictionary nesting to guard against stack
// exhaustion from adversarial input.
const MaxDepth = 64

// RawMessage holds an undecoded bencoded value, preserving its exact
// original byte range. Used for the "info" dictionary so its bytes can be
// re-serialized bit-exactly for infohash computation.
type RawMessage []byte

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decoder reads bencoded values from an input stream.
type Decoder struct {
	r         io.ByteScanner
	buf       *bufReader
	bytesRead int64
}

// bufReader adapts an io.Reader to io.ByteScanner with unread support,
// tracking total bytes consumed so BytesParsed can report progress (used
// by the extension-protocol metadata message, where raw block bytes
// follow the bencoded dict).
type bufReader struct {
	data []byte
	pos  int
}

func (b *bufReader) ReadByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	c := b.data[b.pos]
	b.pos++
	return c, nil
}

func (b *bufReader) UnreadByte() error {
	if b.pos == 0 {
		return errors.New("bencode: UnreadByte at start")
	}
	b.pos--
	return nil
}

// NewDecoder returns a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	data, _ := io.ReadAll(r)
	buf := &bufReader{data: data}
	return &Decoder{r: buf, buf: buf}
}

// BytesParsed returns the total number of bytes consumed by every Decode
// call made on d so far.
func (d *Decoder) BytesParsed() int { return d.buf.pos }

// Decode reads the next bencoded value from the stream into v.
func (d *Decoder) Decode(v interface{}) error {
	val, err := d.decodeValue(0)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("bencode: Decode requires a non-nil pointer")
	}
	return assign(rv.Elem(), val)
}

// DecodeBytes decodes b into v.
func DecodeBytes(b []byte, v interface{}) error {
	return NewDecoder(bytes.NewReader(b)).Decode(v)
}

// decodeValue parses one bencoded value and returns it as one of:
// []byte, int64, []interface{}, or *orderedDict.
func (d *Decoder) decodeValue(depth int) (interface{}, error) {
	if depth > MaxDepth {
		return nil, malformed("nesting depth exceeds %d", MaxDepth)
	}
	c, err := d.buf.ReadByte()
	if err != nil {
		return nil, err
	}
	switch {
	case c == 'i':
		return d.decodeInt()
	case c == 'l':
		return d.decodeList(depth)
	case c == 'd':
		return d.decodeDict(depth)
	case c >= '0' && c <= '9':
		_ = d.buf.UnreadByte()
		return d.decodeString()
	default:
		return nil, malformed("unexpected token %q", c)
	}
}

func (d *Decoder) decodeInt() (int64, error) {
	var digits []byte
	for {
		c, err := d.buf.ReadByte()
		if err != nil {
			return 0, err
		}
		if c == 'e' {
			break
		}
		digits = append(digits, c)
	}
	if len(digits) == 0 {
		return 0, malformed("empty integer")
	}
	s := string(digits)
	neg := s[0] == '-'
	digitPart := s
	if neg {
		digitPart = s[1:]
	}
	if digitPart == "" {
		return 0, malformed("invalid integer %q", s)
	}
	for _, c := range digitPart {
		if c < '0' || c > '9' {
			return 0, malformed("non-ASCII-digit in integer %q", s)
		}
	}
	if digitPart == "0" && neg {
		return 0, malformed("negative zero is not allowed")
	}
	if len(digitPart) > 1 && digitPart[0] == '0' {
		return 0, malformed("leading zero in integer %q", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, malformed("integer overflow: %q", s)
	}
	return n, nil
}

func (d *Decoder) decodeString() ([]byte, error) {
	var digits []byte
	for {
		c, err := d.buf.ReadByte()
		if err != nil {
			return nil, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, malformed("invalid string length byte %q", c)
		}
		digits = append(digits, c)
	}
	if len(digits) == 0 {
		return nil, malformed("missing string length")
	}
	if len(digits) > 1 && digits[0] == '0' {
		return nil, malformed("leading zero in string length")
	}
	n, err := strconv.ParseInt(string(digits), 10, 63)
	if err != nil || n < 0 {
		return nil, malformed("invalid or negative string length")
	}
	buf := make([]byte, n)
	for i := int64(0); i < n; i++ {
		c, err := d.buf.ReadByte()
		if err != nil {
			return nil, malformed("truncated string: %v", err)
		}
		buf[i] = c
	}
	return buf, nil
}

func (d *Decoder) decodeList(depth int) ([]interface{}, error) {
	var list []interface{}
	for {
		c, err := d.buf.ReadByte()
		if err != nil {
			return nil, malformed("unterminated list: %v", err)
		}
		if c == 'e' {
			break
		}
		_ = d.buf.UnreadByte()
		v, err := d.decodeValue(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, nil
}

// orderedDict preserves bencode dictionary key order (byte-sorted, as
// required on the wire) while allowing lookup by key.
type orderedDict struct {
	keys   []string
	values map[string]interface{}
}

func (d *Decoder) decodeDict(depth int) (*orderedDict, error) {
	od := &orderedDict{values: make(map[string]interface{})}
	var lastKey string
	first := true
	for {
		c, err := d.buf.ReadByte()
		if err != nil {
			return nil, malformed("unterminated dictionary: %v", err)
		}
		if c == 'e' {
			break
		}
		_ = d.buf.UnreadByte()
		keyBytes, err := d.decodeString()
		if err != nil {
			return nil, malformed("dictionary key: %v", err)
		}
		key := string(keyBytes)
		if !first && key <= lastKey {
			return nil, malformed("dictionary keys not strictly sorted: %q after %q", key, lastKey)
		}
		if _, dup := od.values[key]; dup {
			return nil, malformed("duplicate dictionary key %q", key)
		}
		val, err := d.decodeValue(depth + 1)
		if err != nil {
			return nil, err
		}
		od.keys = append(od.keys, key)
		od.values[key] = val
		lastKey = key
		first = false
	}
	return od, nil
}

// assign copies a decoded value into a reflect.Value, following
// "bencode" struct tags, similar to zeebo/bencode's struct binding.
func assign(dst reflect.Value, val interface{}) error {
	switch dst.Kind() {
	case reflect.Interface:
		dst.Set(reflect.ValueOf(normalize(val)))
		return nil
	case reflect.Ptr:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assign(dst.Elem(), val)
	case reflect.String:
		b, ok := val.([]byte)
		if !ok {
			return malformed("expected string, got %T", val)
		}
		dst.SetString(string(b))
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := val.([]byte)
			if !ok {
				return malformed("expected byte string, got %T", val)
			}
			dst.SetBytes(append([]byte(nil), b...))
			return nil
		}
		list, ok := val.([]interface{})
		if !ok {
			return malformed("expected list, got %T", val)
		}
		out := reflect.MakeSlice(dst.Type(), len(list), len(list))
		for i, item := range list {
			if err := assign(out.Index(i), item); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := val.(int64)
		if !ok {
			return malformed("expected integer, got %T", val)
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := val.(int64)
		if !ok {
			return malformed("expected integer, got %T", val)
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Bool:
		n, ok := val.(int64)
		if !ok {
			return malformed("expected integer for bool, got %T", val)
		}
		dst.SetBool(n != 0)
		return nil
	case reflect.Map:
		od, ok := val.(*orderedDict)
		if !ok {
			return malformed("expected dictionary, got %T", val)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(od.keys))
		for _, k := range od.keys {
			kv := reflect.New(dst.Type().Key()).Elem()
			kv.SetString(k)
			vv := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(vv, od.values[k]); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv)
		}
		dst.Set(out)
		return nil
	case reflect.Struct:
		if isRawMessage(dst.Type()) {
			enc, err := reEncode(val)
			if err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(RawMessage(enc)).Convert(dst.Type()))
			return nil
		}
		od, ok := val.(*orderedDict)
		if !ok {
			return malformed("expected dictionary for struct, got %T", val)
		}
		return assignStruct(dst, od)
	default:
		return malformed("unsupported destination kind %s", dst.Kind())
	}
}

func isRawMessage(t reflect.Type) bool {
	return t.Name() == "RawMessage" || t.ConvertibleTo(reflect.TypeOf(RawMessage(nil)))
}

func assignStruct(dst reflect.Value, od *orderedDict) error {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		name, opts := parseTag(field)
		if name == "-" {
			continue
		}
		v, ok := od.values[name]
		if !ok {
			continue
		}
		_ = opts
		fv := dst.Field(i)
		if fieldIsRaw(field.Type) {
			enc, err := reEncode(v)
			if err != nil {
				return err
			}
			fv.SetBytes(enc)
			continue
		}
		if err := assign(fv, v); err != nil {
			return fmt.Errorf("field %q: %w", field.Name, err)
		}
	}
	return nil
}

func fieldIsRaw(t reflect.Type) bool {
	return t == reflect.TypeOf(RawMessage(nil))
}

func parseTag(f reflect.StructField) (name string, omitempty bool) {
	tag := f.Tag.Get("bencode")
	if tag == "" {
		return f.Name, false
	}
	name = tag
	if i := indexByte(tag, ','); i >= 0 {
		name = tag[:i]
		omitempty = tag[i+1:] == "omitempty"
	}
	if name == "" {
		name = f.Name
	}
	return name, omitempty
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// normalize converts internal decode representations into the plain
// interface{} shapes documented for Decode into interface{}: string,
// int64, []interface{}, map[string]interface{}.
func normalize(val interface{}) interface{} {
	switch v := val.(type) {
	case []byte:
		return string(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case *orderedDict:
		out := make(map[string]interface{}, len(v.keys))
		for _, k := range v.keys {
			out[k] = normalize(v.values[k])
		}
		return out
	default:
		return v
	}
}

// reEncode re-serializes an already-decoded value back to its canonical
// bencoded bytes, used to capture RawMessage fields (e.g. the "info"
// dictionary) without losing the original byte-exact representation.
func reEncode(val interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, normalize(val)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes values as bencode to an output stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes v to the stream in bencoded form.
func (e *Encoder) Encode(v interface{}) error {
	return encodeReflect(e.w, reflect.ValueOf(v))
}

// EncodeBytes returns the bencoded form of v.
func EncodeBytes(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(w io.Writer, val interface{}) error {
	switch v := val.(type) {
	case string:
		_, err := fmt.Fprintf(w, "%d:%s", len(v), v)
		return err
	case []byte:
		_, err := fmt.Fprintf(w, "%d:", len(v))
		if err != nil {
			return err
		}
		_, err = w.Write(v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, "i%de", v)
		return err
	case int:
		_, err := fmt.Fprintf(w, "i%de", v)
		return err
	case []interface{}:
		if _, err := io.WriteString(w, "l"); err != nil {
			return err
		}
		for _, item := range v {
			if err := encodeValue(w, item); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if _, err := io.WriteString(w, "d"); err != nil {
			return err
		}
		for _, k := range keys {
			if err := encodeValue(w, k); err != nil {
				return err
			}
			if err := encodeValue(w, v[k]); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	default:
		return encodeReflect(w, reflect.ValueOf(val))
	}
}

func encodeReflect(w io.Writer, rv reflect.Value) error {
	if !rv.IsValid() {
		return errors.New("bencode: cannot encode invalid value")
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return errors.New("bencode: cannot encode nil")
		}
		return encodeReflect(w, rv.Elem())
	case reflect.String:
		return encodeValue(w, rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.Type() == reflect.TypeOf(RawMessage(nil)) || fieldIsRaw(rv.Type()) {
				raw := rv.Bytes()
				_, err := w.Write(raw)
				return err
			}
			return encodeValue(w, rv.Bytes())
		}
		list := make([]interface{}, rv.Len())
		for i := range list {
			list[i] = rv.Index(i).Interface()
		}
		_, err := io.WriteString(w, "l")
		if err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := encodeReflect(w, rv.Index(i)); err != nil {
				return err
			}
		}
		_, err = io.WriteString(w, "e")
		return err
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return encodeValue(w, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return encodeValue(w, int64(rv.Uint()))
	case reflect.Bool:
		n := 0
		if rv.Bool() {
			n = 1
		}
		return encodeValue(w, int64(n))
	case reflect.Map:
		return encodeStringMap(w, rv)
	case reflect.Struct:
		return encodeStruct(w, rv)
	default:
		return fmt.Errorf("bencode: cannot encode kind %s", rv.Kind())
	}
}

func encodeStringMap(w io.Writer, rv reflect.Value) error {
	keys := rv.MapKeys()
	type kv struct {
		k string
		v reflect.Value
	}
	pairs := make([]kv, len(keys))
	for i, k := range keys {
		pairs[i] = kv{k.String(), rv.MapIndex(k)}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	if _, err := io.WriteString(w, "d"); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := encodeValue(w, p.k); err != nil {
			return err
		}
		if err := encodeReflect(w, p.v); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "e")
	return err
}

func encodeStruct(w io.Writer, rv reflect.Value) error {
	if isRawMessage(rv.Type()) {
		raw := rv.Convert(reflect.TypeOf(RawMessage(nil))).Interface().(RawMessage)
		_, err := w.Write(raw)
		return err
	}
	t := rv.Type()
	type entry struct {
		name string
		v    reflect.Value
	}
	var entries []entry
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name, omitempty := parseTag(field)
		if name == "-" {
			continue
		}
		fv := rv.Field(i)
		if omitempty && isEmptyValue(fv) {
			continue
		}
		entries = append(entries, entry{name, fv})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	if _, err := io.WriteString(w, "d"); err != nil {
		return err
	}
	for _, e := range entries {
		if err := encodeValue(w, e.name); err != nil {
			return err
		}
		if fieldIsRaw(e.v.Type()) {
			if _, err := w.Write(e.v.Bytes()); err != nil {
				return err
			}
			continue
		}
		if err := encodeReflect(w, e.v); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "e")
	return err
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.Len() == 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
