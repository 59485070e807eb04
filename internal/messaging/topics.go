package messaging

// Topic constants for the quote pipeline
const (
	TopicAcceptedShares     = "mining.accepted_shares"    // share acceptance → quoted
	TopicQuoteNotifications = "ehash.quote_notifications" // quoted → downstream connection service
	TopicQuoteMetering      = "ehash.quote_metering"      // quoted → metering consumers
)

// Consumer groups
const (
	GroupQuoteDispatch = "ehash-quoted"
)
