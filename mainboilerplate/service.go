package mainboilerplate

import (
	"net"
	"os"
	"strconv"

	petname "github.com/dustinkirkland/golang-petname"
)

// ZoneConfig configures the zone of the application.
type ZoneConfig struct {
	Zone string `long:"zone" env:"ZONE" default:"local" description:"Availability zone within which this process is running"`
}

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	ZoneConfig
	ID             string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Host           string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Port           uint16 `long:"port" env:"PORT" default:"61613" description:"Service port for client protocols and HTTP diagnostics. A random port is used if zero"`
	MaxConnections int    `long:"max-connections" env:"MAX_CONNECTIONS" default:"0" description:"Maximum number of concurrent client connections. Unlimited if zero"`
}

// Resolve fills in an auto-generated ID and the Host, if not set.
func (cfg *ServiceConfig) Resolve() {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	if cfg.Host == "" {
		var err error
		cfg.Host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
}

// AdvertisedAddr is the "host:port" at which the process may be reached,
// given the Addr of its bound listener.
func (cfg ServiceConfig) AdvertisedAddr(bound net.Addr) string {
	var port = strconv.Itoa(int(cfg.Port))
	if addr, ok := bound.(*net.TCPAddr); ok {
		port = strconv.Itoa(addr.Port)
	}
	return net.JoinHostPort(cfg.Host, port)
}
