package bonjour

import (
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

var bonjourServers []*zeroconf.Server

func findInterfaceByAddress(targetIP string) ([]net.Interface, error) {
	if targetIP == "" {
		return nil, nil
	}
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}

		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				if v.IP.String() == targetIP {
					return []net.Interface{iface}, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("no interface found with IP address: %s", targetIP)
}

func getLocalIPForDefaultGateway() (string, error) {
	// Choose a public IP (like Google DNS 8.8.8.8) to determine the appropriate interface.
	// No actual connection or data sending is done.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func getNonLoopbackIPAddresses() ([]string, error) {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}

		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				if ipv4 := v.IP.To4(); ipv4 != nil && !ipv4.IsLoopback() {
					ips = append(ips, ipv4.String())
				}
			}
		}
	}

	return ips, nil
}

// candidateIPs picks the addresses to advertise: the configured host when
// there is one, otherwise the default-gateway-facing address, otherwise
// every non-loopback address.
func candidateIPs(host string) []string {
	if host != "" {
		return []string{host}
	}
	if ip, err := getLocalIPForDefaultGateway(); err == nil {
		return []string{ip}
	}
	ips, _ := getNonLoopbackIPAddresses()
	return ips
}

// Advertise registers the statistics endpoint over mDNS so the diagnostics
// page can be found without knowing the listen address.
func Advertise(listenAddr string, hostname string, svcName string, image string) {
	host, portStr, _ := net.SplitHostPort(listenAddr)
	port, _ := strconv.Atoi(portStr)

	ifaces, err := findInterfaceByAddress(host)
	if err != nil {
		log.Infof("findInterfaceByAddress failed: %v", err)
	}

	ips := candidateIPs(host)

	s, err := zeroconf.RegisterProxy(hostname, "_http._tcp", ".local", port, svcName,
		ips, []string{fmt.Sprintf("image=%s", image), "path=/"}, ifaces)
	if err != nil {
		log.Fatalln(err.Error())
	}
	bonjourServers = append(bonjourServers, s)
}

func Shutdown() {
	for _, s := range bonjourServers {
		s.Shutdown()
	}
}
