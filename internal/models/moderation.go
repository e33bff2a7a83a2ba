package models

// RegistrationModerationState is the publication state of a registration as
// derived from its most relevant sanction. It is never stored independently.
type RegistrationModerationState string

const (
	ModerationStateUndefined                 RegistrationModerationState = "undefined"
	ModerationStateInitial                   RegistrationModerationState = "initial"
	ModerationStateReverted                  RegistrationModerationState = "reverted"
	ModerationStatePending                   RegistrationModerationState = "pending"
	ModerationStateRejected                  RegistrationModerationState = "rejected"
	ModerationStateAccepted                  RegistrationModerationState = "accepted"
	ModerationStateEmbargo                   RegistrationModerationState = "embargo"
	ModerationStatePendingEmbargoTermination RegistrationModerationState = "pending_embargo_termination"
	ModerationStatePendingWithdrawRequest    RegistrationModerationState = "pending_withdraw_request"
	ModerationStatePendingWithdraw           RegistrationModerationState = "pending_withdraw"
	ModerationStateWithdrawn                 RegistrationModerationState = "withdrawn"
)

var moderationStateMap = map[SanctionType]map[SanctionState]RegistrationModerationState{
	SanctionTypeRegistrationApproval: {
		SanctionStateUnapproved:        ModerationStateInitial,
		SanctionStatePendingModeration: ModerationStatePending,
		SanctionStateApproved:          ModerationStateAccepted,
		SanctionStateRejected:          ModerationStateReverted,
		SanctionStateModeratorRejected: ModerationStateRejected,
	},
	SanctionTypeEmbargo: {
		SanctionStateUnapproved:        ModerationStateInitial,
		SanctionStatePendingModeration: ModerationStatePending,
		SanctionStateApproved:          ModerationStateEmbargo,
		SanctionStateCompleted:         ModerationStateAccepted,
		SanctionStateRejected:          ModerationStateReverted,
		SanctionStateModeratorRejected: ModerationStateRejected,
	},
	SanctionTypeRetraction: {
		SanctionStateUnapproved:        ModerationStatePendingWithdrawRequest,
		SanctionStatePendingModeration: ModerationStatePendingWithdraw,
		SanctionStateApproved:          ModerationStateWithdrawn,
		// A rejected retraction leaves the registration accepted or embargoed,
		// which only the registration's other sanctions can tell.
		SanctionStateRejected:          ModerationStateUndefined,
		SanctionStateModeratorRejected: ModerationStateUndefined,
	},
	SanctionTypeEmbargoTerminationApproval: {
		SanctionStateUnapproved:        ModerationStatePendingEmbargoTermination,
		SanctionStatePendingModeration: ModerationStateAccepted,
		SanctionStateApproved:          ModerationStateAccepted,
		SanctionStateRejected:          ModerationStateEmbargo,
		SanctionStateModeratorRejected: ModerationStateEmbargo,
	},
}

// ModerationStateFor projects a sanction's type and state onto the
// registration moderation state. Unknown pairs map to undefined.
func ModerationStateFor(t SanctionType, s SanctionState) RegistrationModerationState {
	if byState, ok := moderationStateMap[t]; ok {
		if state, ok := byState[s]; ok {
			return state
		}
	}
	return ModerationStateUndefined
}

// RegistrationModerationTrigger describes a moderated action at registration level.
type RegistrationModerationTrigger string

const (
	ModerationTriggerSubmit            RegistrationModerationTrigger = "submit"
	ModerationTriggerAcceptSubmission  RegistrationModerationTrigger = "accept_submission"
	ModerationTriggerRejectSubmission  RegistrationModerationTrigger = "reject_submission"
	ModerationTriggerRequestWithdrawal RegistrationModerationTrigger = "request_withdrawal"
	ModerationTriggerAcceptWithdrawal  RegistrationModerationTrigger = "accept_withdrawal"
	ModerationTriggerRejectWithdrawal  RegistrationModerationTrigger = "reject_withdrawal"
	ModerationTriggerForceWithdraw     RegistrationModerationTrigger = "force_withdraw"
)

type moderationTransition struct {
	from RegistrationModerationState
	to   RegistrationModerationState
}

var moderationTriggerMap = map[moderationTransition]RegistrationModerationTrigger{
	{ModerationStateInitial, ModerationStatePending}:                 ModerationTriggerSubmit,
	{ModerationStatePending, ModerationStateAccepted}:                ModerationTriggerAcceptSubmission,
	{ModerationStatePending, ModerationStateEmbargo}:                 ModerationTriggerAcceptSubmission,
	{ModerationStatePending, ModerationStateRejected}:                ModerationTriggerRejectSubmission,
	{ModerationStatePendingWithdrawRequest, ModerationStatePendingWithdraw}: ModerationTriggerRequestWithdrawal,
	{ModerationStatePendingWithdraw, ModerationStateWithdrawn}:       ModerationTriggerAcceptWithdrawal,
	{ModerationStatePendingWithdraw, ModerationStateAccepted}:        ModerationTriggerRejectWithdrawal,
	{ModerationStatePendingWithdraw, ModerationStateEmbargo}:         ModerationTriggerRejectWithdrawal,
	{ModerationStateAccepted, ModerationStateWithdrawn}:              ModerationTriggerForceWithdraw,
	{ModerationStateEmbargo, ModerationStateWithdrawn}:               ModerationTriggerForceWithdraw,
}

// ModerationTriggerFor infers the registration-level trigger for a move between
// two moderation states. The empty trigger means the pair is not a moderated action.
func ModerationTriggerFor(from, to RegistrationModerationState) RegistrationModerationTrigger {
	return moderationTriggerMap[moderationTransition{from: from, to: to}]
}
