package relay

import "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"

// Notifier receives delivery events for the companion link. Implementations
// must not block: they are called from the scheduler and inbound paths.
type Notifier interface {
    // MailArrived fires once per newly stored inbound message. Duplicate
    // receptions of the same id never re-fire it.
    MailArrived(m *mail.Message)
    // StatusChanged fires when an outbound message changes observable
    // status. reason is non-empty only for failures ("expired", "hop-limit").
    StatusChanged(id string, status mail.Status, reason string, ackedBy mail.NodeID)
}

// NopNotifier is used until a companion connects.
type NopNotifier struct{}

func (NopNotifier) MailArrived(*mail.Message)                            {}
func (NopNotifier) StatusChanged(string, mail.Status, string, mail.NodeID) {}
