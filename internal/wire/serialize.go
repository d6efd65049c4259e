package wire

import (
	"strconv"
	"strings"
)

// kv appends "/key=value" to b.
func kv(b *strings.Builder, key, value string) {
	b.WriteByte('/')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (m Register) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("register")
	return []byte(b.String())
}

func (m Request) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("request")
	kv(&b, "id", strconv.FormatUint(uint64(m.ID), 10))
	kv(&b, "useproxy", boolStr(m.UseProxy))
	return []byte(b.String())
}

func (m PunchCheck) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("punchcheck")
	kv(&b, "id", strconv.FormatUint(uint64(m.ID), 10))
	return []byte(b.String())
}

func (m ProxyTo) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("proxy")
	kv(&b, "remote", m.Remote.String())
	return []byte(b.String())
}

func (m Ping) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("ping")
	kv(&b, "id", strconv.FormatUint(uint64(m.ID), 10))
	return []byte(b.String())
}

func (m RegisterOK) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("registerok")
	kv(&b, "id", strconv.FormatUint(uint64(m.ID), 10))
	return []byte(b.String())
}

func (m RegisterErr) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("registererr")
	kv(&b, "msg", m.Msg)
	return []byte(b.String())
}

func (m RequestErr) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("requesterr")
	kv(&b, "msg", m.Msg)
	return []byte(b.String())
}

func (m PunchOrder) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("punchorder")
	kv(&b, "remote", m.Remote.String())
	return []byte(b.String())
}

func (m PunchSelf) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("punchlnksk")
	kv(&b, "port", strconv.FormatUint(uint64(m.Port), 10))
	return []byte(b.String())
}

func (m PunchCheckResult) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("punchcheckr")
	kv(&b, "ok", boolStr(m.OK))
	return []byte(b.String())
}

func (m ProxyResult) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("proxyr")
	kv(&b, "remote", m.Remote.String())
	kv(&b, "ok", boolStr(m.OK))
	return []byte(b.String())
}

func (m Pong) Serialize() []byte {
	var b strings.Builder
	b.WriteString(Magic)
	b.WriteString("pong")
	kv(&b, "id", strconv.FormatUint(uint64(m.ID), 10))
	return []byte(b.String())
}
