package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		return serverTemplate, nil
	case KindClient:
		return clientTemplate, nil
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

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		_, err := LoadServerConfig(path)
		return err
	case KindClient:
		_, err := LoadClientConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const serverTemplate = `id = "readerd"
addr = ":7420"
tokens = ["dev-token"]
history_limit = 256
reap_interval = "15s"

[session]
request_timeout = "10s"
idle_timeout = "2m"
heartbeat_interval = "30s"
security_mode = "development"
tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""

[[readers]]
plugin = "stub"
name = "R1"
group = "ticketing"

[readers.card]
demo = true

[[readers]]
plugin = "stub"
name = "R2"
group = "ticketing"

[readers.card]
aid = "A0000004040125090101"
script = [
  { command = "00A4040000", response = "6F00 9000" },
  { command = "00B2010400", response = "0102030405 9000" },
]
`

const clientTemplate = `server_url = "http://127.0.0.1:7420"
mode = "sync"
client_id = "readerctl"
server_id = "readerd"
token = "dev-token"
plugin = "remote"
remote_plugin = "stub"
reader = "R1"
# reader_group = "ticketing" allocates any free reader of the group instead
processing_mode = "process_all"
channel = "keep_open"
max_connect_attempts = 3

[session]
request_timeout = "10s"
heartbeat_interval = "30s"
security_mode = "development"
tls_enabled = false

[[groups]]
selector = "A0000004040125090101"
commands = ["00B2010400", "00B2020400"]

[[groups]]
selector = "A0000004040125090101"
commands = ["00B2030400"]
`
