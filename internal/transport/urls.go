package transport

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	servicePath   = "/apprapp"
	featurePath   = "/feature/v1/instances/"
	eventsPath    = "/events/v1/instances/"
	wsPath        = "/wsfeature"
	hostSuffix    = ".apprapp.cloud.ibm.com"
	privatePrefix = "private."
)

// Endpoints are the service URLs for one instance, collection and environment.
type Endpoints struct {
	Base      string
	IAM       string
	Config    string
	Metering  string
	WebSocket string
}

// EndpointOptions select the service instance and how to reach it.
type EndpointOptions struct {
	Region        string
	GUID          string
	CollectionID  string
	EnvironmentID string
	// OverrideServiceURL replaces the regional host, e.g. for staging.
	OverrideServiceURL string
	UsePrivateEndpoint bool
}

// BuildEndpoints derives all service URLs. An override URL keeps its scheme
// for HTTP and maps http to ws and https to wss for the push channel.
func BuildEndpoints(o EndpointOptions) (Endpoints, error) {
	var e Endpoints
	var wsBase string

	if o.OverrideServiceURL != "" {
		u, err := url.Parse(strings.TrimRight(o.OverrideServiceURL, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Endpoints{}, fmt.Errorf("invalid service url %q", o.OverrideServiceURL)
		}
		host := u.Host + u.Path
		wsScheme := "wss"
		if u.Scheme == "http" {
			wsScheme = "ws"
		}
		if o.UsePrivateEndpoint {
			host = privatePrefix + host
			e.IAM = "https://private.iam.test.cloud.ibm.com"
		} else {
			e.IAM = "https://iam.test.cloud.ibm.com"
		}
		e.Base = u.Scheme + "://" + host
		wsBase = wsScheme + "://" + host
	} else {
		if o.Region == "" {
			return Endpoints{}, fmt.Errorf("region is required")
		}
		host := o.Region + hostSuffix
		if o.UsePrivateEndpoint {
			host = privatePrefix + host
			e.IAM = "https://private.iam.cloud.ibm.com"
		} else {
			e.IAM = "https://iam.cloud.ibm.com"
		}
		e.Base = "https://" + host
		wsBase = "wss://" + host
	}

	guid := url.PathEscape(o.GUID)
	e.Config = fmt.Sprintf("%s%s%s%s/collections/%s/config?environment_id=%s",
		e.Base, servicePath, featurePath, guid, url.PathEscape(o.CollectionID), url.QueryEscape(o.EnvironmentID))
	e.Metering = MeteringURL(e.Base, o.GUID)

	q := url.Values{}
	q.Set("instance_id", o.GUID)
	q.Set("collection_id", o.CollectionID)
	q.Set("environment_id", o.EnvironmentID)
	e.WebSocket = wsBase + servicePath + wsPath + "?" + q.Encode()
	return e, nil
}

// MeteringURL is the usage endpoint of instance guid under base.
func MeteringURL(base, guid string) string {
	return fmt.Sprintf("%s%s%s%s/usage", base, servicePath, eventsPath, url.PathEscape(guid))
}
