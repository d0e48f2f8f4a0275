package models

import "net/http/cookiejar"

// Login is a username/password pair posted to a portal login endpoint
// (§4.4).
type Login struct {
	User string
	Pass string
}

// PathCredential overrides Login for series URLs stripped of their
// .html/.series-metadata.json suffix and prefixed by URLPrefix (§4.4).
type PathCredential struct {
	URLPrefix string
	Login
}

// CookieJar pairs a resolved cookie jar with the login it was obtained
// with, process-local state that is never persisted (§9).
type CookieJar struct {
	Jar   *cookiejar.Jar
	Login Login
}
