package common

var (
	PackageName = "github.com/ruteri/tdx-cvm-manager"
	// Version is set at build time with -ldflags "-X ...common.Version=..."
	Version = "dev"
)
