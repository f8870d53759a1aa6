package usecase

import (
	"encoding/json"

	"github.com/google/uuid"
)

// 消息类型
const (
	PayloadSample     = "sample"
	PayloadPhaseEvent = "phase_event"
)

// MQPayload 包装队列消息，增加类型、设备与运行标识
type MQPayload struct {
	Type   string      `json:"type"`
	Device string      `json:"device"`
	Run    string      `json:"run,omitempty"`
	Data   interface{} `json:"data"`
}

// Origin 消息来源: 器件名与本次循环运行 ID
type Origin struct {
	Device string
	Run    uuid.UUID
}

// NewOrigin 为一次循环运行生成新的 ID
func NewOrigin(device string) Origin {
	return Origin{Device: device, Run: uuid.New()}
}

func (o Origin) Payload(typ string, data interface{}) MQPayload {
	p := MQPayload{Type: typ, Device: o.Device, Data: data}
	if o.Run != uuid.Nil {
		p.Run = o.Run.String()
	}
	return p
}

// RoutingKey 作为 RabbitMQ routing key 与 Kafka 消息 key
func (p MQPayload) RoutingKey() string {
	return "gauge." + p.Type
}

// MarshalJSON 把 msgType、device 与 run 注入 data，方便下游只看 data 的消费者
func (p MQPayload) MarshalJSON() ([]byte, error) {
	dataBytes, err := json.Marshal(p.Data)
	if err != nil {
		return nil, err
	}

	var dataMap map[string]interface{}
	if err := json.Unmarshal(dataBytes, &dataMap); err != nil || dataMap == nil {
		// data 不是对象，原样输出
		type alias MQPayload
		return json.Marshal(alias(p))
	}
	dataMap["msgType"] = p.Type
	dataMap["device"] = p.Device
	if p.Run != "" {
		dataMap["run"] = p.Run
	}

	return json.Marshal(&struct {
		Type   string                 `json:"type"`
		Device string                 `json:"device"`
		Run    string                 `json:"run,omitempty"`
		Data   map[string]interface{} `json:"data"`
	}{
		Type:   p.Type,
		Device: p.Device,
		Run:    p.Run,
		Data:   dataMap,
	})
}
