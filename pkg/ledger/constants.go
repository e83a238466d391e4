package ledger

const (
	operationCredit   = "credit"
	operationReserve  = "reserve"
	operationCommit   = "commit"
	operationRelease  = "release"
	operationFreeze   = "freeze"
	operationUnfreeze = "unfreeze"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	idempotencyPrefixCredit = "credit"

	unreferencedCreditPrefix = "unreferenced:"

	errorOperationService = "service"
	errorSubjectBalance   = "balance"
	errorSubjectJournal   = "journal"
	errorCodeNegative     = "negative"
	errorCodeDivergence   = "divergence"
	errorCodeOverflow     = "overflow"
)
