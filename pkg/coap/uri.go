// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/mlwm2m/pkg/errors"
)

// MaxID is the reserved LWM2M identifier. It never names a real object,
// instance or resource.
const MaxID uint16 = 65535

const (
	bootstrapSegment    = "bs"
	registrationSegment = "rd"
)

// URIKind classifies a request path.
type URIKind uint8

const (
	URIInvalid URIKind = iota
	URIDM
	URIDeleteAll
	URIBootstrap
	URIRegistration
)

func (k URIKind) String() string {
	switch k {
	case URIDM:
		return "dm"
	case URIDeleteAll:
		return "delete_all"
	case URIBootstrap:
		return "bootstrap"
	case URIRegistration:
		return "registration"
	default:
		return "invalid"
	}
}

const (
	flagObject uint8 = 1 << iota
	flagInstance
	flagResource
)

// URI is a decoded LWM2M request path.
type URI struct {
	Kind       URIKind
	ObjectID   uint16
	InstanceID uint16
	ResourceID uint16
	// Location holds the segments following /rd for registration paths.
	Location string

	flags uint8
}

// ObjectURI returns a device-management URI for /oid.
func ObjectURI(oid uint16) URI {
	return URI{Kind: URIDM, ObjectID: oid, flags: flagObject}
}

// InstanceURI returns a device-management URI for /oid/iid.
func InstanceURI(oid, iid uint16) URI {
	return URI{Kind: URIDM, ObjectID: oid, InstanceID: iid, flags: flagObject | flagInstance}
}

// ResourceURI returns a device-management URI for /oid/iid/rid.
func ResourceURI(oid, iid, rid uint16) URI {
	return URI{Kind: URIDM, ObjectID: oid, InstanceID: iid, ResourceID: rid, flags: flagObject | flagInstance | flagResource}
}

func (u URI) HasObject() bool   { return u.flags&flagObject != 0 }
func (u URI) HasInstance() bool { return u.flags&flagInstance != 0 }
func (u URI) HasResource() bool { return u.flags&flagResource != 0 }

func (u URI) String() string {
	switch u.Kind {
	case URIDM:
		s := "/" + strconv.Itoa(int(u.ObjectID))
		if u.HasInstance() {
			s += "/" + strconv.Itoa(int(u.InstanceID))
		}
		if u.HasResource() {
			s += "/" + strconv.Itoa(int(u.ResourceID))
		}
		return s
	case URIDeleteAll:
		return "/"
	case URIBootstrap:
		return "/" + bootstrapSegment
	case URIRegistration:
		if u.Location == "" {
			return "/" + registrationSegment
		}
		return "/" + registrationSegment + "/" + u.Location
	default:
		return "<invalid>"
	}
}

// DecodeURI classifies the Uri-Path segments of a request. When altPath is
// set and matches the first segment, it is stripped first.
func DecodeURI(altPath string, segments []string) (URI, error) {
	altPath = strings.Trim(altPath, "/")
	if altPath != "" && len(segments) > 0 && segments[0] == altPath {
		segments = segments[1:]
	}

	if len(segments) == 0 {
		return URI{Kind: URIDeleteAll}, nil
	}

	switch segments[0] {
	case bootstrapSegment:
		if len(segments) != 1 {
			return URI{}, fmt.Errorf("%w: unexpected segments after /%s", errors.ErrInvalidInput, bootstrapSegment)
		}
		return URI{Kind: URIBootstrap}, nil
	case registrationSegment:
		return URI{Kind: URIRegistration, Location: strings.Join(segments[1:], "/")}, nil
	}

	if len(segments) > 3 {
		return URI{}, fmt.Errorf("%w: path too deep", errors.ErrInvalidInput)
	}

	u := URI{Kind: URIDM}
	for i, seg := range segments {
		id, err := parseID(seg)
		if err != nil {
			return URI{}, err
		}
		switch i {
		case 0:
			u.ObjectID = id
			u.flags |= flagObject
		case 1:
			u.InstanceID = id
			u.flags |= flagInstance
		case 2:
			u.ResourceID = id
			u.flags |= flagResource
		}
	}

	return u, nil
}

// ParseURI decodes a slash separated path such as "/3/0/1".
func ParseURI(path string) (URI, error) {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return DecodeURI("", segments)
}

func parseID(seg string) (uint16, error) {
	n, err := strconv.ParseUint(seg, 10, 16)
	if err != nil || uint16(n) == MaxID {
		return 0, fmt.Errorf("%w: invalid path segment %q", errors.ErrInvalidInput, seg)
	}
	return uint16(n), nil
}
