package signature

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand/v2"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	x3Alphabet     = "NOPQRStuvwxWXYZabcyz012DEFTKLMdefghijkl4563GHIJBC7mnop89+/AUVqrsOPQefghijkABCDEFGuvwz0123456789xy"
	customBase64   = "ZmserbBoHQtNP+wOcza/LpngG8yJq42KWYj0DSfdikx3VT16IlUAFM97hECvuRX5"
	xorKeyHex     = "af572b95ca65b2d9ec76bb5d2e97cb653299cc663399cc663399cce673399cce6733190c06030100000000008040209048241289c4e271381c0e0703018040a05028148ac56231180c0683c16030984c2693c964b259ac56abd5eaf5fafd7e3f9f4f279349a4d2e9743a9d4e279349a4d2e9f47a3d1e8f47239148a4d269341a8d4623110884422190c86432994ca6d3e974baddee773b1d8e47a35128148ac5623198cce6f3f97c3e1f8f47a3d168b45aad562b158ac5e2f1f87c3e9f4f279349a4d269b45aad56"

	timestampXorKey  = 41
	startupOffsetMin = 1000
	startupOffsetMax = 4000
	payloadMarker1   = 15
	payloadMarker2   = 1291
	x3Prefix         = "mns0101_"
	xsPrefix         = "XYS_"
)

var (
	versionBytes   = []byte{119, 104, 96, 41}
	envStaticBytes = []byte{1, 249, 83, 102, 103, 201, 181, 131, 99, 94, 7, 68, 250, 132, 21}
	xorKey         = mustDecodeHex(xorKeyHex)
	customEncoding = base64.NewEncoding(customBase64)
)

// envelope field order is significant: the server hashes the serialized form.
type envelope struct {
	X0 string `json:"x0"`
	X1 string `json:"x1"`
	X2 string `json:"x2"`
	X3 string `json:"x3"`
	X4 string `json:"x4"`
}

// LocalSigner computes the web client signature headers in process. It needs
// the a1 cookie of the credential.
type LocalSigner struct {
	appID   string
	startup time.Time
	now     func() time.Time
}

func NewLocalSigner(appID string) *LocalSigner {
	now := time.Now()
	offset := startupOffsetMin + rand.IntN(startupOffsetMax-startupOffsetMin+1)
	return &LocalSigner{
		appID:   appID,
		startup: now.Add(-time.Duration(offset) * time.Millisecond),
		now:     time.Now,
	}
}

func (s *LocalSigner) Sign(_ context.Context, req Request) (map[string]string, error) {
	a1 := req.cookieValue("a1")
	if a1 == "" {
		return nil, fmt.Errorf("cookie a1 is missing")
	}
	uri, err := requestURI(req.URL)
	if err != nil {
		return nil, err
	}
	now := s.now()
	content := contentString(req.Method, uri, req.Body, req.Params)
	x3 := x3Prefix + x3Encode(xorWithKey(s.payload(now, a1, content)))

	raw, err := jsoniter.Marshal(envelope{X0: "4.2.6", X1: s.appID, X2: "Windows", X3: x3, X4: "object"})
	if err != nil {
		return nil, fmt.Errorf("encode signature envelope: %w", err)
	}

	return map[string]string{
		HeaderXS:      xsPrefix + customEncoding.EncodeToString(raw),
		HeaderXT:      strconv.FormatInt(now.UnixMilli(), 10),
		HeaderTraceID: traceID(),
	}, nil
}

func (s *LocalSigner) payload(now time.Time, a1, content string) []byte {
	d := md5Hex(content)
	buf := make([]byte, 0, 4+4+len(versionBytes)+2+16*3+2+len(envStaticBytes)+16)
	buf = binary.BigEndian.AppendUint32(buf, uint32(now.UnixMilli())^timestampXorKey)
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.startup.UnixMilli())^timestampXorKey)
	buf = append(buf, versionBytes...)
	buf = binary.BigEndian.AppendUint16(buf, payloadMarker1)
	buf = append(buf, md5Sum(d)...)
	buf = append(buf, md5Sum(a1)...)
	buf = append(buf, md5Sum(s.appID)...)
	buf = binary.BigEndian.AppendUint16(buf, payloadMarker2)
	buf = append(buf, envStaticBytes...)
	buf = append(buf, md5Sum(content)...)
	return buf
}

// requestURI keeps the path and raw query of an absolute URL. Relative input is
// returned as is.
func requestURI(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	if u.RawQuery == "" {
		return u.EscapedPath(), nil
	}
	return u.EscapedPath() + "?" + u.RawQuery, nil
}

// contentString is "METHOD uri [body|sorted query]" joined by single spaces.
func contentString(method, uri string, body []byte, params map[string]string) string {
	method = strings.ToUpper(method)
	parts := []string{method, uri}
	switch {
	case method == "POST" && len(body) > 0:
		parts = append(parts, string(body))
	case method == "GET" && len(params) > 0:
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+params[k])
		}
		parts = append(parts, strings.Join(pairs, "&"))
	}
	return strings.Join(parts, " ")
}

func xorWithKey(data []byte) []byte {
	res := make([]byte, len(data))
	for i, b := range data {
		res[i] = b ^ xorKey[i%len(xorKey)]
	}
	return res
}

// x3Encode writes data as a big-endian number in base len(x3Alphabet), one leading
// x3Alphabet[0] per leading zero byte. The alphabet is the 97-symbol table the
// web client ships, repeats included, so the output is not reversible.
func x3Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	base := big.NewInt(int64(len(x3Alphabet)))
	value := new(big.Int).SetBytes(data)
	mod := new(big.Int)
	var out []byte
	for value.Sign() > 0 {
		value.DivMod(value, base, mod)
		out = append(out, x3Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, x3Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func md5Sum(s string) []byte {
	sum := md5.Sum([]byte(s))
	return sum[:]
}

func md5Hex(s string) string {
	return hex.EncodeToString(md5Sum(s))
}

func traceID() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], rand.Uint64())
	return hex.EncodeToString(b[:])
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var _ Signer = (*LocalSigner)(nil)
