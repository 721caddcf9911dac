package flags

import (
	"github.com/spf13/pflag"
)

// APIFlags holds configuration information for the Studify API server.
type APIFlags struct {
	ListenAddr  string
	MetricsAddr string
	StaticDir   string
}

func NewAPIFlags() *APIFlags {
	return &APIFlags{
		ListenAddr:  ":8000",
		MetricsAddr: ":2112",
	}
}

func (f *APIFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.ListenAddr, "listen", f.ListenAddr, "The address to serve the API on")
	fs.StringVar(&f.MetricsAddr, "listen-metrics", f.MetricsAddr, "The address to serve prometheus metrics on, empty to disable")
	fs.StringVar(&f.StaticDir, "static-dir", f.StaticDir, "Directory with index.html and the web client's static files")
}
