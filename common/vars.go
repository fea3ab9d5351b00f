package common

// Version is set at build time with -ldflags "-X github.com/ruteri/ccf-recovery-service/common.Version=..."
var Version = "dev"

// PackageName is the metrics namespace and default log service name.
const PackageName = "ccf_recovery_service"
