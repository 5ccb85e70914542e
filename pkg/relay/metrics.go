package relay

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    metricDispatched = promauto.NewCounter(prometheus.CounterOpts{
        Name: "akita_messages_dispatched_total",
        Help: "Send attempts handed to the radio",
    })

    metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
        Name: "akita_send_failures_total",
        Help: "Radio send calls that returned an error",
    })

    metricAcked = promauto.NewCounter(prometheus.CounterOpts{
        Name: "akita_messages_acked_total",
        Help: "Outbound messages confirmed by the recipient",
    })

    metricFailed = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "akita_messages_failed_total",
        Help: "Outbound messages that reached the failed state",
    }, []string{"reason"})

    metricReceived = promauto.NewCounter(prometheus.CounterOpts{
        Name: "akita_messages_received_total",
        Help: "Inbound messages stored to the inbox",
    })

    metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
        Name: "akita_duplicates_total",
        Help: "Inbound messages discarded as already seen",
    })

    metricForwarded = promauto.NewCounter(prometheus.CounterOpts{
        Name: "akita_messages_forwarded_total",
        Help: "Messages for other nodes re-queued for forwarding",
    })

    metricCodecErrors = promauto.NewCounter(prometheus.CounterOpts{
        Name: "akita_codec_errors_total",
        Help: "Inbound packets dropped as malformed",
    })
)
