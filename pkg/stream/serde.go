/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package stream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
	"google.golang.org/protobuf/proto"
)

// PropertyContentType names the serde a body was encoded with.
const PropertyContentType = "content-type"

// Serde converts between values and message bodies. Name is recorded in
// the content-type property of encoded messages.
type Serde interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// Built-in serdes. AvroSerde needs a schema, see SetAvroSchema.
var (
	BinarySerde Serde = binarySerde{}
	JSONSerde   Serde = jsonSerde{}
	StringSerde Serde = stringSerde{}
	ProtoSerde  Serde = protoSerde{}
	AvroSerde         = &avroSerde{name: "avro"}
)

type binarySerde struct{}

func (binarySerde) Name() string { return "binary" }

func (binarySerde) Encode(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("binary serde encodes []byte, got %T", v)
}

func (binarySerde) Decode(data []byte, v interface{}) error {
	target, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("binary serde decodes into *[]byte, got %T", v)
	}
	*target = data
	return nil
}

type jsonSerde struct{}

func (jsonSerde) Name() string                            { return "json" }
func (jsonSerde) Encode(v interface{}) ([]byte, error)    { return json.Marshal(v) }
func (jsonSerde) Decode(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

type stringSerde struct{}

func (stringSerde) Name() string { return "string" }

func (stringSerde) Encode(v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	}
	return []byte(fmt.Sprint(v)), nil
}

func (stringSerde) Decode(data []byte, v interface{}) error {
	target, ok := v.(*string)
	if !ok {
		return fmt.Errorf("string serde decodes into *string, got %T", v)
	}
	*target = string(data)
	return nil
}

type protoSerde struct{}

func (protoSerde) Name() string { return "protobuf" }

func (protoSerde) Encode(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf serde encodes proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (protoSerde) Decode(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf serde decodes into proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

// avroSerde encodes with one schema, which may be replaced at runtime.
type avroSerde struct {
	name   string
	mu     sync.RWMutex
	schema avro.Schema
}

// NewAvroSerde returns an Avro serde named name for schema. Register it to
// use it with EncodeMessage and DecodeBody.
func NewAvroSerde(name, schema string) (Serde, error) {
	s := &avroSerde{name: name}
	if err := s.SetSchema(schema); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *avroSerde) Name() string { return s.name }

// SetSchema parses and installs schema.
func (s *avroSerde) SetSchema(schema string) error {
	sch, err := avro.Parse(schema)
	if err != nil {
		return fmt.Errorf("avro schema: %w", err)
	}
	s.mu.Lock()
	s.schema = sch
	s.mu.Unlock()
	return nil
}

func (s *avroSerde) current() (avro.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.schema == nil {
		return nil, fmt.Errorf("avro serde %s has no schema", s.name)
	}
	return s.schema, nil
}

func (s *avroSerde) Encode(v interface{}) ([]byte, error) {
	sch, err := s.current()
	if err != nil {
		return nil, err
	}
	return avro.Marshal(sch, v)
}

func (s *avroSerde) Decode(data []byte, v interface{}) error {
	sch, err := s.current()
	if err != nil {
		return err
	}
	return avro.Unmarshal(sch, data, v)
}

// SetAvroSchema sets the schema of the built-in Avro serde.
func SetAvroSchema(schema string) error {
	return AvroSerde.SetSchema(schema)
}

var serdes = struct {
	sync.RWMutex
	byName map[string]Serde
}{byName: make(map[string]Serde)}

func init() {
	for _, s := range []Serde{BinarySerde, JSONSerde, StringSerde, ProtoSerde, AvroSerde} {
		RegisterSerde(s)
	}
}

// RegisterSerde makes s available under s.Name(), replacing any serde
// registered with the same name.
func RegisterSerde(s Serde) {
	serdes.Lock()
	serdes.byName[s.Name()] = s
	serdes.Unlock()
}

// GetSerde returns the serde registered under name.
func GetSerde(name string) (Serde, error) {
	serdes.RLock()
	s, ok := serdes.byName[name]
	serdes.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown serde %q", ErrInvalidOptions, name)
	}
	return s, nil
}

// EncodeMessage encodes v with the named serde and records the serde in
// the content-type property.
func EncodeMessage(serde string, v interface{}) (*Message, error) {
	s, err := GetSerde(serde)
	if err != nil {
		return nil, err
	}
	body, err := s.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", serde, err)
	}
	return NewMessage(body).WithProperty(PropertyContentType, serde), nil
}

// DecodeBody decodes m into v with the serde named by its content-type
// property, binary when there is none.
func DecodeBody(m *Message, v interface{}) error {
	name := m.Properties[PropertyContentType]
	if name == "" {
		name = BinarySerde.Name()
	}
	s, err := GetSerde(name)
	if err != nil {
		return err
	}
	return s.Decode(m.Body, v)
}
