package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var sessionKey = []byte("current")

type DBSession struct {
	UserID   string `msgpack:"userId"`
	Username string `msgpack:"username"`
	Role     string `msgpack:"role"`
	SavedAt  int64  `msgpack:"savedAt"`
}

// Key is fixed: only one session exists per device.
func (s *DBSession) Key() []byte {
	return sessionKey
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBSetting struct {
	Name      string `msgpack:"name"`
	Value     string `msgpack:"value"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (s *DBSetting) Key() []byte {
	return []byte(s.Name)
}

func (s *DBSetting) MarshalBinary() (data []byte, err error) {
	type alias DBSetting
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSetting) UnmarshalBinary(data []byte) error {
	type alias DBSetting
	return msgpack.Unmarshal(data, (*alias)(s))
}
