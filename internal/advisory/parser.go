package advisory

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"autotrader/internal/pkg/jsonutil"
	"autotrader/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const replySchema = `{
  "type": "object",
  "required": ["direction", "confidence"],
  "additionalProperties": false,
  "properties": {
    "direction":   {"type": "string", "enum": ["BUY", "SELL", "NONE", "HOLD"]},
    "size":        {"type": "number"},
    "stop_loss":   {"type": "number"},
    "take_profit": {"type": "number"},
    "confidence":  {"type": "number"},
    "reasoning":   {"type": "string"}
  },
  "if":   {"properties": {"direction": {"enum": ["BUY", "SELL"]}}},
  "then": {"required": ["size", "stop_loss", "take_profit"]}
}`

// envelopes some providers wrap the reply in.
var envelopes = []string{"decision", "recommendation", "result", "data"}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("advisory_reply.json", strings.NewReader(replySchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("advisory_reply.json")
	})
	return schema, schemaErr
}

type replyPayload struct {
	Direction  string  `json:"direction"`
	Size       float64 `json:"size"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ParseReply turns raw advisor output into a reply. Failures carry
// advisory_malformed or advisory_schema and wrap ErrAdvisoryUnavailable.
func ParseReply(raw string) (types.AdvisoryReply, error) {
	obj, ok := jsonutil.ExtractObject(raw)
	if !ok || !gjson.Valid(obj) {
		return types.AdvisoryReply{}, types.NewReasonError(types.ReasonAdvisoryMalformed, "no JSON object in reply", types.ErrAdvisoryUnavailable)
	}
	obj = unwrapEnvelope(obj)

	var doc any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return types.AdvisoryReply{}, types.NewReasonError(types.ReasonAdvisoryMalformed, err.Error(), types.ErrAdvisoryUnavailable)
	}
	doc = sanitize(doc)
	sch, err := compiledSchema()
	if err != nil {
		return types.AdvisoryReply{}, types.NewReasonError(types.ReasonAdvisorySchema, "schema compile: "+err.Error(), types.ErrAdvisoryUnavailable)
	}
	if err := sch.Validate(doc); err != nil {
		return types.AdvisoryReply{}, types.NewReasonError(types.ReasonAdvisorySchema, schemaMessage(err), types.ErrAdvisoryUnavailable)
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return types.AdvisoryReply{}, types.NewReasonError(types.ReasonAdvisoryMalformed, err.Error(), types.ErrAdvisoryUnavailable)
	}
	var p replyPayload
	if err := json.Unmarshal(normalized, &p); err != nil {
		return types.AdvisoryReply{}, types.NewReasonError(types.ReasonAdvisorySchema, err.Error(), types.ErrAdvisoryUnavailable)
	}
	return types.AdvisoryReply{
		Direction:  types.ParseDirection(p.Direction),
		Size:       p.Size,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Confidence: p.Confidence,
		Raw:        raw,
	}, nil
}

func unwrapEnvelope(obj string) string {
	if gjson.Get(obj, "direction").Exists() {
		return obj
	}
	for _, key := range envelopes {
		inner := gjson.Get(obj, key)
		if inner.IsObject() && inner.Get("direction").Exists() {
			return inner.Raw
		}
	}
	return obj
}

// sanitize upper-cases the direction and turns numeric strings into numbers,
// which models emit often enough ("0.05") to be worth accepting.
func sanitize(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		key := strings.ToLower(strings.TrimSpace(k))
		switch val := child.(type) {
		case string:
			if key == "direction" {
				out[key] = strings.ToUpper(strings.TrimSpace(val))
				continue
			}
			if key != "reasoning" {
				if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
					out[key] = f
					continue
				}
			}
			out[key] = val
		default:
			out[key] = child
		}
	}
	return out
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}
