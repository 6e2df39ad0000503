package device

import (
	"fmt"
	"strings"
)

// Properties is the characteristic capability bit set, laid out as in the GATT
// Characteristic Properties field.
type Properties uint8

const (
	PropBroadcast            Properties = 0x01
	PropRead                 Properties = 0x02
	PropWriteWithoutResponse Properties = 0x04
	PropWrite                Properties = 0x08
	PropNotify               Properties = 0x10
	PropIndicate             Properties = 0x20
	PropSignedWrite          Properties = 0x40
	PropExtended             Properties = 0x80
)

var propertyNames = []struct {
	flag Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// aliases accepted by ParseProperty besides the canonical names
var propertyAliases = map[string]Properties{
	"writewithoutresponse":      PropWriteWithoutResponse,
	"write_without_response":    PropWriteWithoutResponse,
	"write-no-response":         PropWriteWithoutResponse,
	"writenr":                   PropWriteWithoutResponse,
	"authenticatedsignedwrites": PropSignedWrite,
	"extendedproperties":        PropExtended,
}

func (p Properties) Has(flag Properties) bool { return p&flag == flag }

func (p Properties) CanRead() bool { return p.Has(PropRead) }

func (p Properties) CanWrite() bool { return p&(PropWrite|PropWriteWithoutResponse) != 0 }

func (p Properties) CanNotify() bool { return p&(PropNotify|PropIndicate) != 0 }

// String renders the set as a comma separated list, e.g. "read,notify".
func (p Properties) String() string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.flag) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// Names returns the individual property names in bit order.
func (p Properties) Names() []string {
	if p == 0 {
		return nil
	}
	return strings.Split(p.String(), ",")
}

// ParseProperty converts a single property name into its flag.
func ParseProperty(name string) (Properties, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, pn := range propertyNames {
		if pn.name == n {
			return pn.flag, nil
		}
	}
	if flag, ok := propertyAliases[n]; ok {
		return flag, nil
	}
	return 0, Errorf(KindInvalidArgument, "unknown characteristic property %q", name)
}

// ParseProperties parses a comma separated property list such as "read,write,notify".
func ParseProperties(list string) (Properties, error) {
	var props Properties
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		flag, err := ParseProperty(part)
		if err != nil {
			return 0, err
		}
		props |= flag
	}
	return props, nil
}

// MustParseProperties is ParseProperties for literals known to be valid.
func MustParseProperties(list string) Properties {
	props, err := ParseProperties(list)
	if err != nil {
		panic(fmt.Sprintf("device: %v", err))
	}
	return props
}
