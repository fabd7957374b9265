package main

import (
	"encoding/json"
	"os"
)

// Config mirrors the teacher's flat, json-tagged client/server Config
// structs (client/main.go, server/config.go), sized for whichever physical
// transport and reliability mode this invocation selects.
type Config struct {
	// transport selection
	Port      string `json:"port"`       // serial device, or host:port for tcp/udp
	PortType  string `json:"porttype"`   // serial, tcp, udp, loopback
	IsServer  bool   `json:"isserver"`   // tcp/udp: listen instead of dial
	BaudRate  int    `json:"baudrate"`   // serial
	DataBits  int    `json:"databits"`   // serial
	Parity    string `json:"parity"`     // serial: none, odd, even, mark, space
	StopBits  string `json:"stopbits"`   // serial: 1, 1.5, 2
	ReadMS    int    `json:"readtimeoutms"`
	WriteMS   int    `json:"writetimeoutms"`

	// reliability layer
	Reliable      bool   `json:"reliable"`
	WindowSize    int    `json:"windowsize"`
	MaxPayload    int    `json:"maxpayload"`
	MaxRetries    int    `json:"maxretries"`
	TimeoutBaseMS int    `json:"timeoutbasems"`
	TimeoutMaxMS  int    `json:"timeoutmaxms"`
	HeartbeatMS   int    `json:"heartbeatms"`
	Compress      bool   `json:"compress"`
	Crypt         string `json:"crypt"` // none, aes-gcm, salsa20, sm4
	Key           string `json:"key"`
	DataShard     int    `json:"datashard"`
	ParityShard   int    `json:"parityshard"`

	// shell behavior
	File       string `json:"file"`
	Save       string `json:"save"`
	Hex        bool   `json:"hex"`
	Quiet      bool   `json:"quiet"`
	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`
	Log        string `json:"log"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
