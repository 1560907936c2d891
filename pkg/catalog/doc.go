// Package catalog loads the provider catalog: the providers commands are
// dispatched to and the project types that select them.
//
// A catalog is a YAML or CUE document:
//
//	providers:
//	  - id: dns
//	    url: https://dns.example.com/api/commands
//	    authCode: ${DNS_AUTH_CODE}
//	    timeout: 30m
//	    condition: lib.has_tag("domain")
//	projectTypes:
//	  - id: web
//	    default: true
//	    providers: [dns, git]
//
// CUE documents are unified with the #Catalog schema before decoding, so
// they may use the full language. Auth codes are expanded from the
// environment. A directory is loaded file by file and the results are
// concatenated; ids must be unique across files.
//
// Service serves a loaded catalog as an engine.ProviderCatalog and can
// reload it when the files change.
package catalog
