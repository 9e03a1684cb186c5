package domain

// Intent is the classified purpose of a user turn.
type Intent string

const (
	IntentGreeting            Intent = "greeting"
	IntentCommercialInterest  Intent = "commercial_interest"
	IntentContactInfoRequest  Intent = "contact_info_request"
	IntentConsultationRequest Intent = "consultation_request"
	IntentTimelineQuestion    Intent = "timeline_question"
	IntentReviewRequest       Intent = "review_request"
	IntentTechnicalSupport    Intent = "technical_support"
	IntentComplaint           Intent = "complaint"
	IntentEscalateHuman       Intent = "escalate_human"
	IntentPersonalInfoShare   Intent = "personal_info_share"
	IntentFarewell            Intent = "farewell"
	IntentGenericInquiry      Intent = "generic_inquiry"
)

// KnownIntents lists every intent in classifier priority order.
var KnownIntents = []Intent{
	IntentGreeting,
	IntentCommercialInterest,
	IntentContactInfoRequest,
	IntentConsultationRequest,
	IntentTimelineQuestion,
	IntentReviewRequest,
	IntentTechnicalSupport,
	IntentComplaint,
	IntentEscalateHuman,
	IntentPersonalInfoShare,
	IntentFarewell,
	IntentGenericInquiry,
}

func (i Intent) Valid() bool {
	for _, k := range KnownIntents {
		if k == i {
			return true
		}
	}
	return false
}
