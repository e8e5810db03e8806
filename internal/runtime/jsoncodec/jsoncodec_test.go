package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "busflow"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

type orderLine struct {
	SKU      string
	Quantity int
}

type orderPayload struct {
	OrderID    string
	CustomerID string `json:"customer"`
	TotalCents int64
	Lines      []orderLine
	Labels     map[string]string
	Internal   string `json:"-"`
	Note       string `json:",omitempty"`
}

func TestNamingPolicyApply(t *testing.T) {
	tests := []struct {
		policy NamingPolicy
		in     string
		want   string
	}{
		{NamingDefault, "OrderID", "OrderID"},
		{NamingCamel, "OrderID", "orderID"},
		{NamingCamel, "HTTPServer", "httpServer"},
		{NamingPascal, "order_total", "OrderTotal"},
		{NamingSnake, "OrderID", "order_id"},
		{NamingSnake, "HTTPServerPort", "http_server_port"},
		{NamingKebab, "TotalCents", "total-cents"},
		{NamingLower, "TotalCents", "totalcents"},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy)+"/"+tt.in, func(t *testing.T) {
			if got := tt.policy.Apply(tt.in); got != tt.want {
				t.Fatalf("Apply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseNamingPolicy(t *testing.T) {
	p, err := ParseNamingPolicy("Snake_Case")
	if err != nil || p != NamingSnake {
		t.Fatalf("unexpected result %q, %v", p, err)
	}
	if _, err := ParseNamingPolicy("screaming"); err == nil {
		t.Fatal("expected unknown policy to fail")
	}
}

func TestCodecSnakeRoundTrip(t *testing.T) {
	codec := New(Options{PropertyNaming: NamingSnake, DictionaryKeys: NamingCamel})
	in := orderPayload{
		OrderID:    "o-1",
		CustomerID: "c-9",
		TotalCents: 1250,
		Lines:      []orderLine{{SKU: "A-1", Quantity: 2}},
		Labels:     map[string]string{"SalesChannel": "web"},
		Internal:   "hidden",
	}

	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	raw := string(data)
	for _, want := range []string{`"order_id":"o-1"`, `"customer":"c-9"`, `"total_cents":1250`, `"sku":"A-1"`, `"salesChannel":"web"`} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %s in %s", want, raw)
		}
	}
	if strings.Contains(raw, "hidden") || strings.Contains(raw, "note") {
		t.Fatalf("expected skipped and empty fields to be omitted: %s", raw)
	}

	var out orderPayload
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.OrderID != "o-1" || out.CustomerID != "c-9" || out.TotalCents != 1250 {
		t.Fatalf("unexpected decoded payload %#v", out)
	}
	if len(out.Lines) != 1 || out.Lines[0].SKU != "A-1" || out.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines %#v", out.Lines)
	}
}

type sparsePayload struct {
	Tags  []string          `json:"tags,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Flag  bool              `json:"flag,omitempty"`
	Count int64             `json:"count,string"`
	Ratio float64           `json:"ratio,omitempty,string"`
	Label string            `json:"label,string"`
}

func TestCodecTagOptionsMatchPlainEncoding(t *testing.T) {
	in := sparsePayload{Tags: []string{}, Attrs: map[string]string{}, Count: 12, Ratio: 0.5, Label: "x"}
	want := []string{`"count":"12"`, `"ratio":"0.5"`, `"label":"\"x\""`}

	for name, codec := range map[string]*Codec{
		"plain": Default,
		"snake": New(Options{PropertyNaming: NamingSnake}),
	} {
		t.Run(name, func(t *testing.T) {
			data, err := codec.Marshal(in)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			raw := string(data)
			for _, w := range want {
				if !strings.Contains(raw, w) {
					t.Fatalf("expected %s in %s", w, raw)
				}
			}
			for _, absent := range []string{`"tags"`, `"attrs"`, `"flag"`} {
				if strings.Contains(raw, absent) {
					t.Fatalf("expected %s to be omitted: %s", absent, raw)
				}
			}

			var out sparsePayload
			if err := codec.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if out.Count != 12 || out.Label != "x" || out.Ratio != 0.5 {
				t.Fatalf("unexpected decoded payload %#v", out)
			}
		})
	}
}

func TestCodecDefaultMatchesPackageFunctions(t *testing.T) {
	in := testPayload{ID: 1, Name: "plain"}
	a, err := Default.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical output, got %s vs %s", a, b)
	}
	if Default.ContentType() != "application/json" {
		t.Fatalf("unexpected content type %q", Default.ContentType())
	}
}

func TestCodecRejectsNonPointerTarget(t *testing.T) {
	codec := New(Options{PropertyNaming: NamingCamel})
	var out orderPayload
	if err := codec.Unmarshal([]byte(`{"orderID":"x"}`), out); err == nil {
		t.Fatal("expected error for non-pointer target")
	}
}

func TestCodecProtoMessagesUseProtojson(t *testing.T) {
	codec := New(Options{PropertyNaming: NamingSnake})
	in := wrapperspb.String("hello")
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	out := &wrapperspb.StringValue{}
	if err := codec.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.GetValue() != "hello" {
		t.Fatalf("unexpected value %q", out.GetValue())
	}
}
