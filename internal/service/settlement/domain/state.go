// internal/service/settlement/domain/state.go
package domain

// State 定义了订单的生命周期状态。订单一旦落库只会前进，不会删除。
type State string

const (
	StateCompleted           State = "COMPLETED"            // 订单与分账记录已落库，通知尚未完成
	StateNotified            State = "NOTIFIED"             // 所有收件人均已通知
	StateNotificationPartial State = "NOTIFICATION_PARTIAL" // 部分通知失败，等待补发
)

// ReconcileState 是单个完成事件在网关中的处理阶段。
type ReconcileState string

const (
	ReconcileReceived      ReconcileState = "RECEIVED"
	ReconcileGoverned      ReconcileState = "GOVERNED"
	ReconcileAdmitted      ReconcileState = "ADMITTED"
	ReconcileDeduped       ReconcileState = "DEDUPED"
	ReconcileComputed      ReconcileState = "COMPUTED"
	ReconcileDispatched    ReconcileState = "DISPATCHED"
	ReconcileFinalized     ReconcileState = "FINALIZED"
	ReconcileRejected      ReconcileState = "REJECTED"
	ReconcileComputeFailed ReconcileState = "COMPUTE_FAILED"
)
