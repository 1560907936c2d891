package catalog

// catalogSchema constrains CUE catalog documents.
const catalogSchema = `
#Provider: {
	// ID is the unique identifier of the provider
	id: string & =~"^[a-zA-Z0-9_.-]+$"

	// URL commands are posted to
	url: string & =~"^https?://"

	authCode?:  string
	timeout?:   string
	condition?: string
	properties?: [string]: string
}

#ProjectType: {
	id:       string & =~"^[a-zA-Z0-9_.-]+$"
	default?: bool
	providers: [...string]
}

#Catalog: {
	providers: [...#Provider]
	projectTypes?: [...#ProjectType]
}
`
