package i18n

// Error codes must match the codes defined in internal/platform/errors.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeUnknown          = "UNKNOWN"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNameInvalid      = "NAME_INVALID"
	CodeNameTaken        = "NAME_TAKEN"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeNotFound         = "NOT_FOUND"
	CodeDuplicateID      = "DUPLICATE_ID"
)

var enUSCatalog = &Catalog{
	locale: "en-US",
	messages: map[Code]string{
		CodeUnknown:          "An unexpected error occurred",
		CodeInvalidArgument:  "The request is malformed",
		CodeNameInvalid:      "Username is required and must contain letters or digits",
		CodeNameTaken:        "Username {{.Name}} is already taken",
		CodeCapacityExceeded: "The lobby is full, try again later",
		CodeNotFound:         "Player is no longer connected",
		CodeDuplicateID:      "Connection is already registered",
	},
}
