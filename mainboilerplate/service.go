package mainboilerplate

import (
	"fmt"
	"net"
	"os"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
)

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	ID   string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Port string `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP requests. A random port is used if set to zero"`
}

// Listen on the configured Port, returning the Listener and the advertised
// endpoint of the process. A missing ID is generated.
func (cfg *ServiceConfig) Listen() (net.Listener, string, error) {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	if cfg.Host == "" {
		var err error
		if cfg.Host, err = os.Hostname(); err != nil {
			return nil, "", errors.WithMessage(err, "determining hostname")
		}
	}

	var ln, err = net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return nil, "", errors.WithMessagef(err, "listening on port %s", cfg.Port)
	}
	var endpoint = fmt.Sprintf("http://%s:%d", cfg.Host, ln.Addr().(*net.TCPAddr).Port)

	return ln, endpoint, nil
}

// AddressConfig of a remote tributary service.
type AddressConfig struct {
	Address string `long:"address" env:"ADDRESS" default:"http://localhost:8080" description:"Service address endpoint"`
}
