package main

// Build metadata, set at build time via ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// ServiceName names log files and the OTel resource.
const ServiceName = "markerd"

func main() {
	Execute()
}
