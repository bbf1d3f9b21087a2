package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "plain", "":
		return plainTemplate, nil
	case "mtls":
		return mtlsTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const plainTemplate = `addr = "127.0.0.1:7400"
encoding = "json"
decode_mode = "lenient"
request_timeout = "30s"
sweep_interval = "1s"

[transport]
security_mode = "development"
connect_timeout = "5s"
max_connect_attempts = 3

[metrics]
addr = "127.0.0.1:9400"
`

const mtlsTemplate = `addr = "0.0.0.0:7400"
encoding = "msgpack"
decode_mode = "strict"
request_timeout = "10s"
idle_timeout = "2m"

[transport]
security_mode = "production"
handshake_timeout = "5s"

[transport.tls]
enabled = true
mutual = true
cert_file = "certs/node.crt"
key_file = "certs/node.key"
ca_file = "certs/ca.crt"
`
