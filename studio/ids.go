package studio

import "github.com/google/uuid"

func NewUserID() UserID                   { return UserID(uuid.NewString()) }
func NewLotID() LotID                     { return LotID(uuid.NewString()) }
func NewAppointmentID() AppointmentID     { return AppointmentID(uuid.NewString()) }
func NewWaitlistEntryID() WaitlistEntryID { return WaitlistEntryID(uuid.NewString()) }
func NewTransactionID() TransactionID     { return TransactionID(uuid.NewString()) }
