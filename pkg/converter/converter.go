// pkg/converter/converter.go
package converter

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/lwm2m-harness/pkg/lwm2m"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

// Converter turns packets seen by a server endpoint into Benthos messages.
type Converter struct {
	config Config
	logger *service.Logger
}

type Config struct {
	// DecodePayloads replaces TLV, JSON, CBOR and link-format payloads with
	// their structured form.
	DecodePayloads  bool `yaml:"decode_payloads"`
	MaxPayloadSize  int  `yaml:"max_payload_size"`
	PreserveOptions bool `yaml:"preserve_options"`
}

const (
	// Content formats beyond the LwM2M set in pkg/packet
	AppJSON = 50
	AppCBOR = 60
)

func NewConverter(config Config, logger *service.Logger) *Converter {
	if config.MaxPayloadSize == 0 {
		config.MaxPayloadSize = 64 * 1024
	}

	return &Converter{
		config: config,
		logger: logger,
	}
}

func (c *Converter) PacketToMessage(p *packet.Packet) (*service.Message, error) {
	if p == nil {
		return nil, fmt.Errorf("packet is nil")
	}

	payload := p.Payload()
	if len(payload) > c.config.MaxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d", len(payload), c.config.MaxPayloadSize)
	}

	msg := service.NewMessage(payload)
	c.addCoAPMetadata(msg, p)
	c.addLwM2MMetadata(msg, p)

	if c.config.DecodePayloads && len(payload) > 0 {
		if err := c.decodePayload(msg, p); err != nil {
			c.logger.Warnf("Failed to decode %s payload: %v", p.Path(), err)
			msg.MetaSet("lwm2m_decode_error", err.Error())
		}
	}

	return msg, nil
}

func (c *Converter) addCoAPMetadata(msg *service.Message, p *packet.Packet) {
	msg.MetaSet("coap_code", p.Code().String())
	msg.MetaSet("coap_type", p.TypeName())
	msg.MetaSet("coap_token", hex.EncodeToString(p.Token()))
	msg.MetaSet("coap_message_id", strconv.Itoa(int(p.MessageID())))

	if p.Remote != nil {
		msg.MetaSet("coap_remote_addr", p.Remote.String())
	}
	if !p.ReceivedAt.IsZero() {
		msg.MetaSet("coap_received_at", p.ReceivedAt.Format(time.RFC3339Nano))
	}

	if cf, ok := p.ContentFormat(); ok {
		msg.MetaSet("coap_content_format", strconv.Itoa(int(cf)))
		msg.MetaSet("coap_content_type", ContentFormatToMimeType(cf))
	}
	if path := p.Path(); path != "/" {
		msg.MetaSet("coap_uri_path", path)
	}
	if q := p.Queries(); len(q) > 0 {
		msg.MetaSet("coap_uri_query", strings.Join(q, "&"))
	}
	if obs, ok := p.Observe(); ok {
		msg.MetaSet("coap_observe", strconv.FormatUint(uint64(obs), 10))
	}
	if loc := p.LocationPath(); loc != "/" {
		msg.MetaSet("coap_location_path", loc)
	}

	if c.config.PreserveOptions {
		c.preserveAllOptions(msg, p)
	}
}

// addLwM2MMetadata tags registration traffic and data-model paths.
func (c *Converter) addLwM2MMetadata(msg *service.Message, p *packet.Packet) {
	path := p.Path()
	if path == "/rd" || strings.HasPrefix(path, "/rd/") {
		for _, key := range []string{"ep", "lt", "lwm2m", "b", "sms"} {
			if v, ok := p.Query(key); ok {
				msg.MetaSet("lwm2m_"+registrationParam(key), v)
			}
		}
		return
	}

	if dm, err := lwm2m.ParsePath(path); err == nil && dm.Len() > 0 {
		msg.MetaSet("lwm2m_path", dm.String())
		msg.MetaSet("lwm2m_object", strconv.Itoa(int(dm.Object())))
		if dm.Len() > 1 {
			msg.MetaSet("lwm2m_instance", strconv.Itoa(int(dm.Instance())))
		}
		if dm.Len() > 2 {
			msg.MetaSet("lwm2m_resource", strconv.Itoa(int(dm.Resource())))
		}
	}
}

func registrationParam(key string) string {
	switch key {
	case "ep":
		return "endpoint"
	case "lt":
		return "lifetime"
	case "lwm2m":
		return "version"
	case "b":
		return "binding"
	default:
		return key
	}
}

func (c *Converter) decodePayload(msg *service.Message, p *packet.Packet) error {
	cf, ok := p.ContentFormat()
	if !ok {
		return nil
	}

	switch cf {
	case packet.FormatTLV:
		entries, err := lwm2m.DecodeTLV(p.Payload())
		if err != nil {
			return fmt.Errorf("invalid TLV payload: %w", err)
		}
		msg.SetStructured(tlvToStructured(entries))
		msg.MetaSet("lwm2m_structured_data", "tlv")

	case packet.FormatJSON, AppJSON:
		var data any
		if err := json.Unmarshal(p.Payload(), &data); err != nil {
			return fmt.Errorf("invalid JSON payload: %w", err)
		}
		msg.SetStructured(data)
		msg.MetaSet("lwm2m_structured_data", "json")

	case AppCBOR:
		var data any
		if err := cbor.Unmarshal(p.Payload(), &data); err != nil {
			return fmt.Errorf("invalid CBOR payload: %w", err)
		}
		msg.SetStructured(normalizeCBOR(data))
		msg.MetaSet("lwm2m_structured_data", "cbor")

	case packet.FormatLinkFormat:
		msg.SetStructured(parseLinks(string(p.Payload())))
		msg.MetaSet("lwm2m_structured_data", "link-format")
	}

	return nil
}

// tlvToStructured renders TLV entries as nested maps. Leaf values are hex
// since their type depends on the object definition.
func tlvToStructured(entries []lwm2m.TLV) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"kind": tlvKindName(e.Kind),
			"id":   int(e.ID),
		}
		if e.Kind == lwm2m.KindObjectInstance || e.Kind == lwm2m.KindMultipleResource {
			item["children"] = tlvToStructured(e.Children)
		} else {
			item["value"] = hex.EncodeToString(e.Value)
		}
		out = append(out, item)
	}
	return out
}

func tlvKindName(k lwm2m.TLVKind) string {
	switch k {
	case lwm2m.KindObjectInstance:
		return "instance"
	case lwm2m.KindResourceInstance:
		return "resource_instance"
	case lwm2m.KindMultipleResource:
		return "multiple_resource"
	default:
		return "resource"
	}
}

// normalizeCBOR converts map[any]any produced by the CBOR decoder into
// string-keyed maps Benthos can serialize.
func normalizeCBOR(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeCBOR(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeCBOR(t[i])
		}
		return t
	case []byte:
		return hex.EncodeToString(t)
	default:
		return v
	}
}

// parseLinks splits a CoRE link-format body into link targets with their
// attributes.
func parseLinks(body string) []any {
	var out []any
	for _, link := range strings.Split(body, ",") {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		parts := strings.Split(link, ";")
		item := map[string]any{
			"target": strings.Trim(parts[0], "<>"),
		}
		for _, attr := range parts[1:] {
			k, v, found := strings.Cut(attr, "=")
			if !found {
				item[k] = true
				continue
			}
			item[k] = strings.Trim(v, `"`)
		}
		out = append(out, item)
	}
	return out
}

func (c *Converter) preserveAllOptions(msg *service.Message, p *packet.Packet) {
	options := make(map[string][]string)
	for _, opt := range p.Message.Options {
		name := getOptionName(opt.ID)
		options[name] = append(options[name], optionValueString(opt))
	}

	if len(options) > 0 {
		if optionsJSON, err := json.Marshal(options); err == nil {
			msg.MetaSet("coap_options", string(optionsJSON))
		}
	}
}

func optionValueString(opt message.Option) string {
	switch opt.ID {
	case message.URIPath, message.URIQuery, message.LocationPath, message.LocationQuery, message.URIHost:
		return string(opt.Value)
	case message.Observe, message.ContentFormat, message.Accept, message.MaxAge, message.URIPort, message.Size1, message.Size2:
		v, _, err := message.DecodeUint32(opt.Value)
		if err != nil {
			return hex.EncodeToString(opt.Value)
		}
		return strconv.FormatUint(uint64(v), 10)
	default:
		return hex.EncodeToString(opt.Value)
	}
}

func getOptionName(optionID message.OptionID) string {
	switch optionID {
	case message.IfMatch:
		return "if_match"
	case message.URIHost:
		return "uri_host"
	case message.ETag:
		return "etag"
	case message.Observe:
		return "observe"
	case message.URIPort:
		return "uri_port"
	case message.LocationPath:
		return "location_path"
	case message.URIPath:
		return "uri_path"
	case message.ContentFormat:
		return "content_format"
	case message.MaxAge:
		return "max_age"
	case message.URIQuery:
		return "uri_query"
	case message.Accept:
		return "accept"
	case message.LocationQuery:
		return "location_query"
	case message.Block2:
		return "block2"
	case message.Block1:
		return "block1"
	default:
		return fmt.Sprintf("option_%d", int(optionID))
	}
}

func ContentFormatToMimeType(cf message.MediaType) string {
	switch cf {
	case packet.FormatPlainText:
		return "text/plain"
	case packet.FormatLinkFormat:
		return "application/link-format"
	case packet.FormatOpaque:
		return "application/octet-stream"
	case packet.FormatTLV:
		return "application/vnd.oma.lwm2m+tlv"
	case packet.FormatJSON:
		return "application/vnd.oma.lwm2m+json"
	case AppJSON:
		return "application/json"
	case AppCBOR:
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}
