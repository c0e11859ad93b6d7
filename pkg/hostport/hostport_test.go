package hostport_test

import (
	"testing"

	"github.com/mistifyio/taniwha/pkg/hostport"
	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		description string
		hostport    string
		host        string
		port        string
		expectedErr bool
	}{
		{"bare host", "localhost", "localhost", "", false},
		{"host and port", "localhost:1234", "localhost", "1234", false},
		{"bracketed host", "[localhost]", "localhost", "", false},
		{"bracketed host and port", "[localhost]:1234", "localhost", "1234", false},
		{"bare ipv6", "2001:db8:85a3:8d3:1319:8a2e:370:7348", "2001:db8:85a3:8d3:1319:8a2e:370", "7348", false},
		{"bracketed ipv6", "[2001:db8:85a3:8d3:1319:8a2e:370:7348]", "2001:db8:85a3:8d3:1319:8a2e:370:7348", "", false},
		{"bracketed ipv6 and port", "[2001:db8:85a3:8d3:1319:8a2e:370:7348]:443", "2001:db8:85a3:8d3:1319:8a2e:370:7348", "443", false},
		{"port only", ":1234", "", "1234", false},
		{"empty", "", "", "", false},
		{"unclosed bracket", "[localhost", "", "", true},
		{"unopened bracket", "localhost]", "", "", true},
		{"too many open brackets", "[loca[lhost]:1234", "", "", true},
		{"too many close brackets", "[loca]lhost]:1234", "", "", true},
	}

	for _, test := range tests {
		host, port, err := hostport.Split(test.hostport)
		if test.expectedErr {
			assert.Error(t, err, test.description)
			continue
		}
		assert.NoError(t, err, test.description)
		assert.Equal(t, test.host, host, test.description)
		assert.Equal(t, test.port, port, test.description)
	}
}
