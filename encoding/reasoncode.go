package encoding

// ReasonCode is the MQTT 5.0 reason code byte. For MQTT 3.1/3.1.1, only the
// CONNACK packet carries a comparable field ("return code", one byte, a
// narrower enum); ConnackReturnCode below maps the two.
type ReasonCode byte

const (
	ReasonSuccess                   ReasonCode = 0x00
	ReasonNormalDisconnection       ReasonCode = 0x00
	ReasonGrantedQoS0               ReasonCode = 0x00
	ReasonGrantedQoS1               ReasonCode = 0x01
	ReasonGrantedQoS2               ReasonCode = 0x02
	ReasonDisconnectWithWillMessage ReasonCode = 0x04
	ReasonNoMatchingSubscribers     ReasonCode = 0x10
	ReasonNoSubscriptionExisted     ReasonCode = 0x11
	ReasonContinueAuthentication    ReasonCode = 0x18
	ReasonReAuthenticate            ReasonCode = 0x19

	ReasonUnspecifiedError                    ReasonCode = 0x80
	ReasonMalformedPacket                     ReasonCode = 0x81
	ReasonProtocolError                       ReasonCode = 0x82
	ReasonImplementationSpecificError         ReasonCode = 0x83
	ReasonUnsupportedProtocolVersion          ReasonCode = 0x84
	ReasonClientIdentifierNotValid            ReasonCode = 0x85
	ReasonBadUsernameOrPassword               ReasonCode = 0x86
	ReasonNotAuthorized                       ReasonCode = 0x87
	ReasonServerUnavailable                   ReasonCode = 0x88
	ReasonServerBusy                          ReasonCode = 0x89
	ReasonBanned                              ReasonCode = 0x8A
	ReasonServerShuttingDown                  ReasonCode = 0x8B
	ReasonBadAuthenticationMethod              ReasonCode = 0x8C
	ReasonKeepAliveTimeout                    ReasonCode = 0x8D
	ReasonSessionTakenOver                    ReasonCode = 0x8E
	ReasonTopicFilterInvalid                  ReasonCode = 0x8F
	ReasonTopicNameInvalid                    ReasonCode = 0x90
	ReasonPacketIdentifierInUse               ReasonCode = 0x91
	ReasonPacketIdentifierNotFound             ReasonCode = 0x92
	ReasonReceiveMaximumExceeded               ReasonCode = 0x93
	ReasonTopicAliasInvalid                   ReasonCode = 0x94
	ReasonPacketTooLarge                      ReasonCode = 0x95
	ReasonMessageRateTooHigh                  ReasonCode = 0x96
	ReasonQuotaExceeded                       ReasonCode = 0x97
	ReasonAdministrativeAction                ReasonCode = 0x98
	ReasonPayloadFormatInvalid                ReasonCode = 0x99
	ReasonRetainNotSupported                  ReasonCode = 0x9A
	ReasonQoSNotSupported                     ReasonCode = 0x9B
	ReasonUseAnotherServer                    ReasonCode = 0x9C
	ReasonServerMoved                         ReasonCode = 0x9D
	ReasonSharedSubscriptionsNotSupported      ReasonCode = 0x9E
	ReasonConnectionRateExceeded               ReasonCode = 0x9F
	ReasonMaximumConnectTime                   ReasonCode = 0xA0
	ReasonSubscriptionIdentifiersNotSupported  ReasonCode = 0xA1
	ReasonWildcardSubscriptionsNotSupported     ReasonCode = 0xA2

	// ReasonFailure is the single-byte SUBACK/UNSUBACK failure code MQTT
	// 3.1/3.1.1 uses; under v5 the richer codes above apply instead.
	ReasonFailure ReasonCode = 0x80
)

// ConnackReturnCode is the MQTT 3.1/3.1.1 CONNACK return code, a narrow
// subset of the v5 reason codes above.
type ConnackReturnCode byte

const (
	ConnackAccepted                  ConnackReturnCode = 0x00
	ConnackUnacceptedProtocolVersion ConnackReturnCode = 0x01
	ConnackIdentifierRejected        ConnackReturnCode = 0x02
	ConnackServerUnavailable         ConnackReturnCode = 0x03
	ConnackBadUsernameOrPassword     ConnackReturnCode = 0x04
	ConnackNotAuthorized             ConnackReturnCode = 0x05
)

// ReasonCodeToConnackReturnCode downgrades a v5 CONNACK reason code to its
// nearest v3/3.1.1 return code, for sending a CONNACK to an older client.
func ReasonCodeToConnackReturnCode(rc ReasonCode) ConnackReturnCode {
	switch rc {
	case ReasonSuccess:
		return ConnackAccepted
	case ReasonUnsupportedProtocolVersion:
		return ConnackUnacceptedProtocolVersion
	case ReasonClientIdentifierNotValid:
		return ConnackIdentifierRejected
	case ReasonServerUnavailable:
		return ConnackServerUnavailable
	case ReasonBadUsernameOrPassword:
		return ConnackBadUsernameOrPassword
	case ReasonNotAuthorized, ReasonBanned:
		return ConnackNotAuthorized
	default:
		return ConnackServerUnavailable
	}
}

var reasonCodeNames = map[ReasonCode]string{
	ReasonSuccess:                              "Success",
	ReasonGrantedQoS1:                          "GrantedQoS1",
	ReasonGrantedQoS2:                          "GrantedQoS2",
	ReasonDisconnectWithWillMessage:             "DisconnectWithWillMessage",
	ReasonNoMatchingSubscribers:                 "NoMatchingSubscribers",
	ReasonNoSubscriptionExisted:                 "NoSubscriptionExisted",
	ReasonContinueAuthentication:                "ContinueAuthentication",
	ReasonReAuthenticate:                        "ReAuthenticate",
	ReasonUnspecifiedError:                      "UnspecifiedError",
	ReasonMalformedPacket:                       "MalformedPacket",
	ReasonProtocolError:                         "ProtocolError",
	ReasonImplementationSpecificError:           "ImplementationSpecificError",
	ReasonUnsupportedProtocolVersion:            "UnsupportedProtocolVersion",
	ReasonClientIdentifierNotValid:              "ClientIdentifierNotValid",
	ReasonBadUsernameOrPassword:                 "BadUsernameOrPassword",
	ReasonNotAuthorized:                         "NotAuthorized",
	ReasonServerUnavailable:                     "ServerUnavailable",
	ReasonServerBusy:                            "ServerBusy",
	ReasonBanned:                                "Banned",
	ReasonServerShuttingDown:                    "ServerShuttingDown",
	ReasonBadAuthenticationMethod:               "BadAuthenticationMethod",
	ReasonKeepAliveTimeout:                      "KeepAliveTimeout",
	ReasonSessionTakenOver:                      "SessionTakenOver",
	ReasonTopicFilterInvalid:                    "TopicFilterInvalid",
	ReasonTopicNameInvalid:                      "TopicNameInvalid",
	ReasonPacketIdentifierInUse:                 "PacketIdentifierInUse",
	ReasonPacketIdentifierNotFound:              "PacketIdentifierNotFound",
	ReasonReceiveMaximumExceeded:                "ReceiveMaximumExceeded",
	ReasonTopicAliasInvalid:                     "TopicAliasInvalid",
	ReasonPacketTooLarge:                        "PacketTooLarge",
	ReasonMessageRateTooHigh:                    "MessageRateTooHigh",
	ReasonQuotaExceeded:                         "QuotaExceeded",
	ReasonAdministrativeAction:                  "AdministrativeAction",
	ReasonPayloadFormatInvalid:                  "PayloadFormatInvalid",
	ReasonRetainNotSupported:                    "RetainNotSupported",
	ReasonQoSNotSupported:                       "QoSNotSupported",
	ReasonUseAnotherServer:                      "UseAnotherServer",
	ReasonServerMoved:                           "ServerMoved",
	ReasonSharedSubscriptionsNotSupported:       "SharedSubscriptionsNotSupported",
	ReasonConnectionRateExceeded:                "ConnectionRateExceeded",
	ReasonMaximumConnectTime:                    "MaximumConnectTime",
	ReasonSubscriptionIdentifiersNotSupported:   "SubscriptionIdentifiersNotSupported",
	ReasonWildcardSubscriptionsNotSupported:     "WildcardSubscriptionsNotSupported",
}

func (id ReasonCode) String() string {
	if name, ok := reasonCodeNames[id]; ok {
		return name
	}
	return "UNKNOWN"
}
