package config

// Template is the file written by `cellserve init`.
const Template = `# cellserve configuration
source:
  dir: ./notebooks
  ignore_file: .cellserveignore

server:
  addr: ":8000"
  read_header_timeout: 10s
  shutdown_timeout: 10s
  metrics: true

websocket:
  send_buffer: 64
  rate_per_sec: 0

scheduler:
  enabled: true
  timezone: ""
  default_timeout: 0s

logging:
  level: info
  console: true
  format: console
  file:
    enabled: false
    path: ./cellserve.log
  alert:
    enabled: false
    min_level: error
    rate_per_sec: 1

storage:
  driver: file
  path: ./state/runs.jsonl
  retention: 720h
`
