package bonjour

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidateIPsExplicitHost(t *testing.T) {
	assert.Equal(t, []string{"192.0.2.7"}, candidateIPs("192.0.2.7"))
}

func TestCandidateIPsAutoDetect(t *testing.T) {
	// Whatever path is taken, an empty address must never be advertised.
	for _, ip := range candidateIPs("") {
		assert.NotEmpty(t, ip)
	}

	// When a gateway-facing address is detectable, it wins.
	if ip, err := getLocalIPForDefaultGateway(); err == nil {
		assert.Equal(t, []string{ip}, candidateIPs(""))
	}
}
