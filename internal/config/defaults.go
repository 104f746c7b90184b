package config

// DefaultConfigYAML contains the default configuration YAML content written by `autostop init`.
const DefaultConfigYAML = `# autostop configuration
#
# Values not specified here use the built-in defaults.
# Every key can be overridden with an AUTOSTOP_ environment variable,
# e.g. AUTOSTOP_IDLE_WINDOW=30m.

log:
  level: info
  format: auto          # auto, text, json

# The workload that is suspended when idle and resumed on traffic.
workload:
  namespace: default
  name: my-app
  desired_replicas: 1
  # Routing targets whose traffic and health are observed (Service names).
  targets:
    - my-app
  # Routing rules switched to the fallback while suspended
  # (<namespace>/<httproute>/<rule index>).
  rules:
    - default/my-app/0

idle:
  window: 15m           # no requests for this long means idle
  schedule: "@every 5m" # idle check cadence

resume:
  poll_interval: 10s
  health_timeout: 10m
  lease_ttl: 2m
  reconcile_schedule: "@every 1m"

fallback:
  listen: ":8081"
  target: autostop-fallback
  refresh_seconds: 5
  status_cache_ttl: 2s
  page:
    title: Starting up
    heading: This service is waking up
    message: It was paused while idle. This page refreshes on its own.

api:
  listen: "127.0.0.1:8080"

state:
  backend: sqlite       # sqlite, json, memory
  path: .autostop/state.db

backend:
  kind: kubernetes      # kubernetes, memory
  fallback_service:
    name: autostop-fallback
    port: 8081
  prometheus:
    url: http://prometheus:9090
    query: 'sum(increase(http_requests_total{service="$target"}[$window]))'
    timeout: 10s

alerts:
  webhook_url: ""
  timeout: 5s
`
