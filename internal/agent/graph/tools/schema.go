package tools

import (
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// ParamType is the provider-neutral type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param is the single internal schema representation of a tool parameter.
// Provider dialects are derived from it at the provider boundary.
type Param struct {
	Type        ParamType
	Description string
	Enum        []string
	Required    bool
	Properties  map[string]*Param // TypeObject
	Items       *Param            // TypeArray
}

// ToParameterInfo converts to the eino parameter description.
func (p *Param) ToParameterInfo() *schema.ParameterInfo {
	if p == nil {
		return nil
	}
	info := &schema.ParameterInfo{
		Type:     schema.DataType(p.Type),
		Desc:     p.Description,
		Enum:     p.Enum,
		Required: p.Required,
	}
	if len(p.Properties) > 0 {
		info.SubParams = make(map[string]*schema.ParameterInfo, len(p.Properties))
		for name, sub := range p.Properties {
			info.SubParams[name] = sub.ToParameterInfo()
		}
	}
	if p.Items != nil {
		info.ElemInfo = p.Items.ToParameterInfo()
	}
	return info
}

// NewToolInfo builds an eino ToolInfo from internal params.
func NewToolInfo(name, desc string, params map[string]*Param) *schema.ToolInfo {
	infos := make(map[string]*schema.ParameterInfo, len(params))
	for k, p := range params {
		infos[k] = p.ToParameterInfo()
	}
	return &schema.ToolInfo{
		Name:        name,
		Desc:        desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(infos),
	}
}

// JSONSchema renders a tool's parameters as a JSON-schema object, the dialect
// the OpenAI and Anthropic adapters send on the wire.
func JSONSchema(info *schema.ToolInfo) (map[string]any, error) {
	empty := map[string]any{"type": "object", "properties": map[string]any{}}
	if info == nil || info.ParamsOneOf == nil {
		return empty, nil
	}
	js, err := info.ParamsOneOf.ToJSONSchema()
	if err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", info.Name, err)
	}
	if js == nil {
		return empty, nil
	}
	raw, err := json.Marshal(js)
	if err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", info.Name, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", info.Name, err)
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out, nil
}
